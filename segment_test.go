package rdt

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type SegmentTestSuite struct {
	rdtTestSuite
}

func (suite *SegmentTestSuite) TestCreateDataSegment() {
	seg := createDataSegment(100, []byte("test"))
	suite.Equal(uint32(100), seg.getSequenceNumber())
	suite.Equal(typeData, seg.getType())
	suite.True(seg.isData())
	suite.False(seg.isAck())
	suite.Equal("test", seg.getDataAsString())
	suite.Equal(headerLength+4, len(seg.buffer))
}

func (suite *SegmentTestSuite) TestCreateAckSegment() {
	seg := createAckSegment(1337)
	suite.Equal(uint32(1337), seg.getSequenceNumber())
	suite.True(seg.isAck())
	suite.False(seg.isData())
	suite.Equal(headerLength, len(seg.buffer))
}

func (suite *SegmentTestSuite) TestSentinelSegment() {
	sentinel := createSentinelSegment(42)
	suite.True(sentinel.isData())
	suite.True(sentinel.isSentinel())
	suite.Empty(sentinel.data)

	data := createDataSegment(42, []byte("x"))
	suite.False(data.isSentinel())
	ack := createAckSegment(42)
	suite.False(ack.isSentinel())
}

func (suite *SegmentTestSuite) TestKnownChecksumValues() {
	// seq=0, type=DATA, no payload: words 0x0000 0x0000 0x0000
	// 0x5555 sum to 0x5555, complement 0xAAAA.
	sentinel := createSentinelSegment(0)
	suite.Equal(uint16(0xAAAA), sentinel.getChecksum())

	// seq=1, type=DATA, payload "AB": 0x0001 + 0x5555 + 0x4142 =
	// 0x9698, complement 0x6967.
	seg := createDataSegment(1, []byte("AB"))
	suite.Equal(uint16(0x6967), seg.getChecksum())
}

func (suite *SegmentTestSuite) TestChecksumOddLength() {
	seg := createDataSegment(0, []byte("odd"))
	suite.True(verifyChecksum(seg.buffer))
}

func (suite *SegmentTestSuite) TestParseRoundTrip() {
	original := createDataSegment(500, []byte("roundtrip"))
	parsed, err := parseSegment(original.buffer)
	suite.handleTestError(err)
	suite.Equal(uint32(500), parsed.getSequenceNumber())
	suite.Equal("roundtrip", parsed.getDataAsString())
	suite.True(parsed.isData())
}

func (suite *SegmentTestSuite) TestParseCopiesBuffer() {
	original := createDataSegment(0, []byte("aaaa"))
	parsed, err := parseSegment(original.buffer)
	suite.handleTestError(err)
	original.buffer[headerLength] = 'z'
	suite.Equal("aaaa", parsed.getDataAsString())
}

func (suite *SegmentTestSuite) TestParseRejectsCorruptPayload() {
	seg := createDataSegment(0, []byte("payload"))
	seg.buffer[headerLength] ^= 0x01
	_, err := parseSegment(seg.buffer)
	suite.Error(err)
	suite.True(errors.Is(err, errChecksum))
}

func (suite *SegmentTestSuite) TestParseRejectsCorruptHeader() {
	seg := createDataSegment(256, []byte("payload"))
	seg.buffer[sequenceNumberPosition.Start] ^= 0x80
	_, err := parseSegment(seg.buffer)
	suite.True(errors.Is(err, errChecksum))
}

func (suite *SegmentTestSuite) TestParseRejectsShortBuffer() {
	_, err := parseSegment([]byte{0x00, 0x01, 0x02})
	suite.True(errors.Is(err, errSegmentTooShort))
}

func TestSegment(t *testing.T) {
	suite.Run(t, new(SegmentTestSuite))
}
