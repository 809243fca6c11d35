package rdt

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var errChecksum = errors.New("segment checksum mismatch")
var errSegmentTooShort = errors.New("segment shorter than header")

func bytesToUint32(buffer []byte) uint32 {
	return binary.BigEndian.Uint32(buffer)
}

// segment is one datagram on the wire: an 8-byte header followed by at
// most MSS payload bytes. For DATA segments the sequence number is the
// byte offset of the payload within the stream; for ACK segments it is
// the acknowledged offset.
type segment struct {
	buffer []byte
	data   []byte
}

func (seg *segment) getSequenceNumber() uint32 {
	return bytesToUint32(seg.buffer[sequenceNumberPosition.Start:sequenceNumberPosition.End])
}

func (seg *segment) getChecksum() uint16 {
	return binary.BigEndian.Uint16(seg.buffer[checksumPosition.Start:checksumPosition.End])
}

func (seg *segment) getType() segmentType {
	return segmentType(binary.BigEndian.Uint16(seg.buffer[typePosition.Start:typePosition.End]))
}

func (seg *segment) isData() bool {
	return seg.getType() == typeData
}

func (seg *segment) isAck() bool {
	return seg.getType() == typeACK
}

// isSentinel reports whether seg marks the end of a transfer.
func (seg *segment) isSentinel() bool {
	return seg.isData() && len(seg.data) == 0
}

func (seg *segment) getDataAsString() string {
	return string(seg.data)
}

func setSequenceNumber(buffer []byte, sequenceNumber uint32) {
	binary.BigEndian.PutUint32(buffer[sequenceNumberPosition.Start:sequenceNumberPosition.End], sequenceNumber)
}

func setChecksum(buffer []byte, checksum uint16) {
	binary.BigEndian.PutUint16(buffer[checksumPosition.Start:checksumPosition.End], checksum)
}

func setType(buffer []byte, t segmentType) {
	binary.BigEndian.PutUint16(buffer[typePosition.Start:typePosition.End], uint16(t))
}

// internetChecksum computes the RFC 1071 16-bit one's-complement sum
// over buffer, padding a trailing odd byte with zero. Carries past bit
// 16 wrap around until none remain. The peer recomputes this byte for
// byte, so the algorithm must not change.
func internetChecksum(buffer []byte) uint16 {
	var sum uint32
	n := len(buffer)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(buffer[i])<<8 | uint32(buffer[i+1])
		sum = (sum & 0xffff) + (sum >> 16)
	}
	if n%2 == 1 {
		sum += uint32(buffer[n-1]) << 8
		sum = (sum & 0xffff) + (sum >> 16)
	}
	sum = (sum & 0xffff) + (sum >> 16)
	return ^uint16(sum) & 0xffff
}

// computeChecksum sums the header with a zeroed checksum field plus the
// payload. buffer is restored before returning.
func computeChecksum(buffer []byte) uint16 {
	stored := binary.BigEndian.Uint16(buffer[checksumPosition.Start:checksumPosition.End])
	setChecksum(buffer, 0)
	sum := internetChecksum(buffer)
	setChecksum(buffer, stored)
	return sum
}

func verifyChecksum(buffer []byte) bool {
	return computeChecksum(buffer) == binary.BigEndian.Uint16(buffer[checksumPosition.Start:checksumPosition.End])
}

func createSegment(t segmentType, sequenceNumber uint32, data []byte) *segment {
	full := make([]byte, headerLength+len(data))
	setSequenceNumber(full, sequenceNumber)
	setType(full, t)
	copy(full[headerLength:], data)
	setChecksum(full, 0)
	setChecksum(full, internetChecksum(full))
	return &segment{buffer: full, data: full[headerLength:]}
}

func createDataSegment(sequenceNumber uint32, data []byte) *segment {
	return createSegment(typeData, sequenceNumber, data)
}

// createSentinelSegment builds the zero-payload DATA segment that marks
// the end of a transfer.
func createSentinelSegment(sequenceNumber uint32) *segment {
	return createSegment(typeData, sequenceNumber, nil)
}

func createAckSegment(sequenceNumber uint32) *segment {
	return createSegment(typeACK, sequenceNumber, nil)
}

// parseSegment validates and decodes a received datagram. The buffer is
// copied so the caller may reuse its read buffer.
func parseSegment(buffer []byte) (*segment, error) {
	if len(buffer) < headerLength {
		return nil, errors.Wrapf(errSegmentTooShort, "%d bytes", len(buffer))
	}
	own := make([]byte, len(buffer))
	copy(own, buffer)
	if !verifyChecksum(own) {
		seg := &segment{buffer: own, data: own[headerLength:]}
		return nil, errors.Wrapf(errChecksum, "seq %d", seg.getSequenceNumber())
	}
	return &segment{buffer: own, data: own[headerLength:]}, nil
}
