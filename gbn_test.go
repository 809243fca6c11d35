package rdt

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/suite"
)

type GbnTestSuite struct {
	rdtTestSuite
	senderConn   *segmentManipulator
	receiverConn *segmentManipulator
	sink         *byteSink
	receiver     *gbnReceiver
}

func (suite *GbnTestSuite) config() Config {
	cfg := DefaultConfig(GoBackN)
	cfg.MSS = 4
	cfg.WindowSize = 4
	cfg.RTOMode = RTOFixed
	cfg.InitialRTO = 40 * time.Millisecond
	return cfg
}

func (suite *GbnTestSuite) SetupTest() {
	near, far := newChannelPair()
	suite.senderConn = newSegmentManipulator(near)
	suite.receiverConn = newSegmentManipulator(far)
	suite.sink = newByteSink()
	suite.receiver = newGBNReceiver(suite.config(), suite.receiverConn, suite.sink, newTransferMetrics("receiver"))
	go func() {
		_ = suite.receiver.Run()
	}()
}

func (suite *GbnTestSuite) TearDownTest() {
	suite.handleTestError(suite.receiver.Stop())
}

func (suite *GbnTestSuite) transfer(cfg Config, payload []byte) (Result, error) {
	sender := newGBNSender(cfg, suite.senderConn, payload)
	result, err := sender.Run()
	// The per-transfer read deadline must not leak into the next
	// transfer on the same connector.
	suite.handleTestError(suite.senderConn.SetReadDeadline(time.Time{}))
	return result, err
}

func (suite *GbnTestSuite) TestTransferWithoutLoss() {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	result, err := suite.transfer(suite.config(), payload)
	suite.handleTestError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.Equal(len(payload), result.BytesAcked)
	suite.Equal(0, result.Retransmissions)
	suite.Equal(0, result.Timeouts)
	suite.Eventually(func() bool {
		return suite.receiver.completedTransfers() == 1
	}, time.Second, 5*time.Millisecond)
	suite.Equal(payload, suite.sink.Bytes())
}

func (suite *GbnTestSuite) TestEmptyBufferCompletesImmediately() {
	result, err := suite.transfer(suite.config(), nil)
	suite.handleTestError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.Equal(0, result.BytesAcked)
	suite.Eventually(func() bool {
		return suite.receiver.completedTransfers() == 1
	}, time.Second, 5*time.Millisecond)
	suite.Empty(suite.sink.Bytes())
}

func (suite *GbnTestSuite) TestRecoversFromLostFirstSegment() {
	payload := []byte("timeout-check-data")
	suite.senderConn.DropOnce(0)

	result, err := suite.transfer(suite.config(), payload)
	suite.handleTestError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.Equal(len(payload), result.BytesAcked)
	suite.GreaterOrEqual(result.Timeouts, 1)
	// Go-back-n resends the whole outstanding window on timeout.
	suite.GreaterOrEqual(result.Retransmissions, 4)
	suite.Eventually(func() bool {
		return suite.receiver.completedTransfers() == 1
	}, time.Second, 5*time.Millisecond)
	suite.Equal(payload, suite.sink.Bytes())
}

func (suite *GbnTestSuite) TestRecoversWhenEveryFirstTransmissionLost() {
	payload := []byte("timeout-check-data")
	for seq := uint32(0); seq < uint32(len(payload)); seq += 4 {
		suite.senderConn.DropOnce(seq)
	}

	result, err := suite.transfer(suite.config(), payload)
	suite.handleTestError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.GreaterOrEqual(result.Timeouts, 1)
	suite.Eventually(func() bool {
		return suite.receiver.completedTransfers() == 1
	}, time.Second, 5*time.Millisecond)
	suite.Equal(payload, suite.sink.Bytes())
}

func (suite *GbnTestSuite) TestCorruptDatagramIgnored() {
	corrupt := createDataSegment(0, []byte("zzzz"))
	corrupt.buffer[headerLength] ^= 0x01
	_, err := suite.senderConn.Write(corrupt.buffer)
	suite.handleTestError(err)

	payload := []byte("survives-corruption")
	result, err := suite.transfer(suite.config(), payload)
	suite.handleTestError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.Eventually(func() bool {
		return suite.receiver.completedTransfers() == 1
	}, time.Second, 5*time.Millisecond)
	suite.Equal(payload, suite.sink.Bytes())
}

func (suite *GbnTestSuite) TestRecoversFromLostAck() {
	payload := []byte("acknowledgement-loss")
	// A later cumulative ACK covers the lost one, so the transfer
	// completes without retransmitting anything.
	suite.receiverConn.DropOnce(4)

	result, err := suite.transfer(suite.config(), payload)
	suite.handleTestError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.Equal(0, result.Retransmissions)
	suite.Eventually(func() bool {
		return suite.receiver.completedTransfers() == 1
	}, time.Second, 5*time.Millisecond)
	suite.Equal(payload, suite.sink.Bytes())
}

func (suite *GbnTestSuite) TestAbortsWhenTimeoutBudgetExhausted() {
	cfg := suite.config()
	cfg.InitialRTO = 15 * time.Millisecond
	cfg.MaxTimeouts = 2
	suite.senderConn.DropAll(true)

	result, err := suite.transfer(cfg, []byte("never-arrives"))
	suite.Error(err)
	suite.True(errors.Is(err, ErrTimeoutBudget))
	suite.Equal(StatusAborted, result.Status)
	suite.Equal(0, result.BytesAcked)
	suite.Greater(result.Timeouts, cfg.MaxTimeouts)
}

func (suite *GbnTestSuite) TestBackToBackTransfers() {
	first := []byte("first-transfer-payload")
	second := []byte("second")

	result, err := suite.transfer(suite.config(), first)
	suite.handleTestError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.Eventually(func() bool {
		return suite.receiver.completedTransfers() == 1
	}, time.Second, 5*time.Millisecond)
	suite.Equal(first, suite.sink.Bytes())

	result, err = suite.transfer(suite.config(), second)
	suite.handleTestError(err)
	suite.Equal(StatusCompleted, result.Status)
	suite.Eventually(func() bool {
		return suite.receiver.completedTransfers() == 2
	}, time.Second, 5*time.Millisecond)
	// The second transfer truncated the sink at offset zero.
	suite.Equal(second, suite.sink.Bytes())
}

func (suite *GbnTestSuite) TestWindowLimitsOutstandingData() {
	cfg := suite.config()
	cfg.InitialRTO = 10 * time.Second
	sender := newGBNSender(cfg, suite.senderConn, make([]byte, 64))
	defer func() { suite.handleTestError(sender.Stop()) }()

	sender.mutex.Lock()
	sender.sendWindow()
	suite.Equal(uint32(16), sender.nextSeq)
	suite.True(sender.timers.pending(windowTimerKey))

	sender.handleAck(8)
	suite.Equal(uint32(8), sender.base)
	suite.Equal(uint32(24), sender.nextSeq)
	sender.mutex.Unlock()
}

func (suite *GbnTestSuite) TestStaleAndDuplicateAcksIgnored() {
	cfg := suite.config()
	cfg.InitialRTO = 10 * time.Second
	sender := newGBNSender(cfg, suite.senderConn, make([]byte, 64))
	defer func() { suite.handleTestError(sender.Stop()) }()

	sender.mutex.Lock()
	sender.sendWindow()
	sender.handleAck(8)
	suite.Equal(uint32(8), sender.base)

	// Duplicate, stale and beyond-nextSeq ACKs leave state alone.
	sender.handleAck(8)
	sender.handleAck(4)
	sender.handleAck(sender.nextSeq + 4)
	suite.Equal(uint32(8), sender.base)
	suite.Equal(uint32(24), sender.nextSeq)
	sender.mutex.Unlock()
}

func (suite *GbnTestSuite) TestTimeoutInvalidatesRTTSample() {
	cfg := suite.config()
	cfg.RTOMode = RTOAdaptive
	cfg.InitialRTO = 10 * time.Second
	sender := newGBNSender(cfg, suite.senderConn, make([]byte, 16))
	defer func() { suite.handleTestError(sender.Stop()) }()

	sender.mutex.Lock()
	sender.sendWindow()
	suite.True(sender.sampling)

	sender.onTimeout()
	suite.False(sender.sampling)
	suite.False(sender.estimator.initialized)

	// The retransmitted range must not feed the estimator either.
	sender.handleAck(4)
	suite.False(sender.estimator.initialized)
	sender.mutex.Unlock()
}

func (suite *GbnTestSuite) TestReceiverReAcksOutOfOrder() {
	near, far := newChannelPair()
	sink := newByteSink()
	receiver := newGBNReceiver(suite.config(), far, sink, newTransferMetrics("receiver"))

	suite.handleTestError(receiver.handleData(createDataSegment(8, []byte("zzzz"))))
	ack := suite.readSegment(near, time.Second)
	suite.Equal(uint32(0), ack.getSequenceNumber())
	suite.Empty(sink.Bytes())

	suite.handleTestError(receiver.handleData(createDataSegment(0, []byte("aaaa"))))
	ack = suite.readSegment(near, time.Second)
	suite.Equal(uint32(4), ack.getSequenceNumber())
	suite.Equal([]byte("aaaa"), sink.Bytes())

	// A duplicate of a delivered segment is discarded but re-ACKed.
	suite.handleTestError(receiver.handleData(createDataSegment(0, []byte("aaaa"))))
	ack = suite.readSegment(near, time.Second)
	suite.Equal(uint32(4), ack.getSequenceNumber())
	suite.Equal([]byte("aaaa"), sink.Bytes())
}

func (suite *GbnTestSuite) TestDuplicateSentinelIsIdempotent() {
	near, far := newChannelPair()
	sink := newByteSink()
	receiver := newGBNReceiver(suite.config(), far, sink, newTransferMetrics("receiver"))

	suite.handleTestError(receiver.handleData(createDataSegment(0, []byte("data"))))
	suite.readSegment(near, time.Second)

	suite.handleTestError(receiver.handleData(createSentinelSegment(4)))
	ack := suite.readSegment(near, time.Second)
	suite.Equal(uint32(4), ack.getSequenceNumber())
	suite.Equal(1, receiver.completedTransfers())

	suite.handleTestError(receiver.handleData(createSentinelSegment(4)))
	ack = suite.readSegment(near, time.Second)
	suite.Equal(uint32(0), ack.getSequenceNumber())
	suite.Equal([]byte("data"), sink.Bytes())
}

func TestGoBackN(t *testing.T) {
	suite.Run(t, new(GbnTestSuite))
}
