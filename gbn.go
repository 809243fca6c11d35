package rdt

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// windowTimerKey is the single timer of a go-back-n sender, anchored at
// the window base.
const windowTimerKey uint32 = 0

// gbnSender implements the go-back-n discipline: cumulative ACKs, one
// retransmission timer for the whole window, and retransmission of the
// entire unacked range when it fires.
type gbnSender struct {
	cfg     Config
	conn    connector
	buffer  []byte
	metrics *transferMetrics

	mutex     sync.Mutex
	timers    *timerRegistry
	estimator *rtoEstimator

	base    uint32
	nextSeq uint32

	// RTT sampling per Karn's algorithm: one untimed first
	// transmission at a time, invalidated by any retransmission.
	sampling     bool
	sampleAck    uint32
	sampleSentAt time.Time

	consecutiveTimeouts int
	totalTimeouts       int
	retransmissions     int

	status      Status
	terminalErr error
	finished    bool
	done        chan struct{}
}

func newGBNSender(cfg Config, conn connector, buffer []byte) *gbnSender {
	sender := &gbnSender{
		cfg:       cfg,
		conn:      conn,
		buffer:    buffer,
		metrics:   newTransferMetrics("sender"),
		estimator: newRTOEstimator(cfg.InitialRTO),
		done:      make(chan struct{}),
	}
	sender.timers = newTimerRegistry(&sender.mutex)
	return sender
}

func (sender *gbnSender) bufferLen() uint32 {
	return uint32(len(sender.buffer))
}

func (sender *gbnSender) Run() (Result, error) {
	start := time.Now()
	group := errgroup.Group{}
	group.Go(sender.receiveLoop)

	sender.mutex.Lock()
	if sender.bufferLen() == 0 {
		sender.finish()
	} else {
		sender.sendWindow()
	}
	sender.mutex.Unlock()

	<-sender.done
	readErr := group.Wait()

	sender.mutex.Lock()
	defer sender.mutex.Unlock()
	result := Result{
		Status:          sender.status,
		BytesAcked:      int(sender.base),
		Elapsed:         time.Since(start),
		Retransmissions: sender.retransmissions,
		Timeouts:        sender.totalTimeouts,
	}
	if sender.terminalErr != nil {
		return result, sender.terminalErr
	}
	return result, readErr
}

func (sender *gbnSender) Stop() error {
	sender.mutex.Lock()
	if !sender.finished {
		sender.status = StatusAborted
		sender.shutdown()
	}
	sender.mutex.Unlock()
	return sender.conn.Close()
}

func (sender *gbnSender) isDone() bool {
	select {
	case <-sender.done:
		return true
	default:
		return false
	}
}

func (sender *gbnSender) receiveLoop() error {
	readBuffer := make([]byte, headerLength+sender.cfg.MSS)
	for {
		n, err := sender.conn.Read(readBuffer)
		if err != nil {
			if sender.isDone() {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			sender.mutex.Lock()
			sender.fail(errors.Wrap(err, "sender socket"))
			sender.mutex.Unlock()
			return err
		}
		seg, err := parseSegment(readBuffer[:n])
		if err != nil {
			log.Debugf("dropping received segment: %v", err)
			sender.metrics.checksumDrops.Inc()
			continue
		}
		if !seg.isAck() {
			continue
		}
		sender.mutex.Lock()
		sender.handleAck(seg.getSequenceNumber())
		sender.mutex.Unlock()
		if sender.isDone() {
			return nil
		}
	}
}

// sendWindow transmits new segments while window space remains. Caller
// holds the lock.
func (sender *gbnSender) sendWindow() {
	if sender.finished {
		return
	}
	windowEnd := sender.base + uint32(sender.cfg.WindowSize)*uint32(sender.cfg.MSS)
	if windowEnd > sender.bufferLen() {
		windowEnd = sender.bufferLen()
	}
	for sender.nextSeq < windowEnd {
		end := sender.nextSeq + uint32(sender.cfg.MSS)
		if end > sender.bufferLen() {
			end = sender.bufferLen()
		}
		seg := createDataSegment(sender.nextSeq, sender.buffer[sender.nextSeq:end])
		if _, err := sender.conn.Write(seg.buffer); err != nil {
			sender.fail(errors.Wrap(err, "writing segment"))
			return
		}
		log.Debugf("sent segment seq=%d len=%d", sender.nextSeq, end-sender.nextSeq)
		sender.metrics.segmentsSent.Inc()
		if !sender.timers.pending(windowTimerKey) {
			sender.timers.schedule(windowTimerKey, sender.estimator.current(), sender.onTimeout)
		}
		if sender.cfg.RTOMode == RTOAdaptive && !sender.sampling {
			sender.sampling = true
			sender.sampleAck = end
			sender.sampleSentAt = time.Now()
		}
		sender.nextSeq = end
	}
}

// handleAck processes one cumulative ACK. Stale and duplicate ACKs
// (ackNum <= base) are ignored, which makes processing idempotent.
// Caller holds the lock.
func (sender *gbnSender) handleAck(ackNum uint32) {
	if sender.finished {
		return
	}
	if ackNum <= sender.base || ackNum > sender.nextSeq {
		return
	}
	if sender.sampling && ackNum >= sender.sampleAck {
		sender.estimator.update(time.Since(sender.sampleSentAt))
		sender.sampling = false
	}
	sender.base = ackNum
	sender.consecutiveTimeouts = 0
	if sender.base == sender.bufferLen() {
		sender.timers.cancel(windowTimerKey)
		sender.finish()
		return
	}
	if sender.base == sender.nextSeq {
		sender.timers.cancel(windowTimerKey)
	} else {
		sender.timers.schedule(windowTimerKey, sender.estimator.current(), sender.onTimeout)
	}
	sender.sendWindow()
}

// onTimeout fires with the lock held. The whole unacked range goes back
// on the wire.
func (sender *gbnSender) onTimeout() {
	if sender.finished {
		return
	}
	sender.totalTimeouts++
	sender.consecutiveTimeouts++
	sender.metrics.timeouts.Inc()
	log.Noticef("timeout %d, window base=%d next=%d", sender.consecutiveTimeouts, sender.base, sender.nextSeq)
	if sender.consecutiveTimeouts > sender.cfg.MaxTimeouts {
		sender.abort()
		return
	}
	sender.estimator.backoff()
	sender.sampling = false
	for offset := sender.base; offset < sender.nextSeq; {
		end := offset + uint32(sender.cfg.MSS)
		if end > sender.nextSeq {
			end = sender.nextSeq
		}
		seg := createDataSegment(offset, sender.buffer[offset:end])
		if _, err := sender.conn.Write(seg.buffer); err != nil {
			sender.fail(errors.Wrap(err, "retransmitting segment"))
			return
		}
		sender.retransmissions++
		sender.metrics.segmentsSent.Inc()
		sender.metrics.retransmissions.Inc()
		offset = end
	}
	sender.timers.schedule(windowTimerKey, sender.estimator.current(), sender.onTimeout)
}

// finish emits the end-of-transfer sentinel and tears the engine down.
// The sentinel is fire-and-forget; the receiver handles a duplicate
// idempotently. Caller holds the lock.
func (sender *gbnSender) finish() {
	sentinel := createSentinelSegment(sender.base)
	if _, err := sender.conn.Write(sentinel.buffer); err != nil {
		log.Warningf("writing end-of-transfer sentinel: %v", err)
	}
	sender.status = StatusCompleted
	sender.metrics.transfersCompleted.Inc()
	sender.shutdown()
}

func (sender *gbnSender) abort() {
	sender.status = StatusAborted
	sender.terminalErr = errors.Wrapf(ErrTimeoutBudget, "after %d timeouts", sender.totalTimeouts)
	sender.metrics.transfersAborted.Inc()
	sender.shutdown()
}

func (sender *gbnSender) fail(err error) {
	if sender.finished {
		return
	}
	sender.status = StatusAborted
	sender.terminalErr = err
	sender.shutdown()
}

func (sender *gbnSender) shutdown() {
	if sender.finished {
		return
	}
	sender.finished = true
	sender.timers.cancelAll()
	close(sender.done)
	_ = sender.conn.SetReadDeadline(time.Now())
}

// gbnReceiver accepts DATA strictly in order, ACKs cumulatively, and
// never buffers out-of-order segments. It runs until stopped, resetting
// after each transfer.
type gbnReceiver struct {
	cfg     Config
	conn    connector
	sink    Sink
	metrics *transferMetrics

	mutex         sync.Mutex
	expected      uint32
	started       bool
	stopped       bool
	transfersDone int
}

func newGBNReceiver(cfg Config, conn connector, sink Sink, metrics *transferMetrics) *gbnReceiver {
	return &gbnReceiver{cfg: cfg, conn: conn, sink: sink, metrics: metrics}
}

func (receiver *gbnReceiver) Run() error {
	readBuffer := make([]byte, headerLength+receiver.cfg.MSS)
	for {
		n, err := receiver.conn.Read(readBuffer)
		if err != nil {
			if receiver.isStopped() {
				return nil
			}
			if isTimeout(err) {
				continue
			}
			return errors.Wrap(err, "receiver socket")
		}
		seg, err := parseSegment(readBuffer[:n])
		if err != nil {
			log.Debugf("dropping received segment: %v", err)
			receiver.metrics.checksumDrops.Inc()
			continue
		}
		if !seg.isData() {
			continue
		}
		if err := receiver.handleData(seg); err != nil {
			return err
		}
	}
}

func (receiver *gbnReceiver) handleData(seg *segment) error {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()

	if seg.isSentinel() {
		receiver.writeAck(receiver.expected)
		log.Infof("transfer complete at offset %d", receiver.expected)
		receiver.expected = 0
		receiver.started = false
		receiver.transfersDone++
		receiver.metrics.transfersCompleted.Inc()
		return nil
	}

	seq := seg.getSequenceNumber()
	if seq == 0 && !receiver.started {
		if err := receiver.sink.Reset(); err != nil {
			return errors.Wrap(err, "resetting output sink")
		}
		receiver.started = true
		receiver.expected = 0
	}

	if seq == receiver.expected {
		if _, err := receiver.sink.Write(seg.data); err != nil {
			return errors.Wrap(err, "writing to output sink")
		}
		receiver.expected += uint32(len(seg.data))
		receiver.metrics.bytesDelivered.Add(float64(len(seg.data)))
	} else {
		// Out of order: discard, re-ACK the current expected
		// offset so the sender sees duplicate cumulative ACKs.
		log.Debugf("out-of-order segment seq=%d expected=%d", seq, receiver.expected)
		receiver.metrics.duplicateSegments.Inc()
	}
	receiver.writeAck(receiver.expected)
	return nil
}

func (receiver *gbnReceiver) writeAck(ackNum uint32) {
	ack := createAckSegment(ackNum)
	if _, err := receiver.conn.Write(ack.buffer); err != nil {
		log.Warningf("writing ack %d: %v", ackNum, err)
		return
	}
	receiver.metrics.acksSent.Inc()
}

func (receiver *gbnReceiver) isStopped() bool {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()
	return receiver.stopped
}

func (receiver *gbnReceiver) completedTransfers() int {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()
	return receiver.transfersDone
}

func (receiver *gbnReceiver) Stop() error {
	receiver.mutex.Lock()
	receiver.stopped = true
	receiver.mutex.Unlock()
	return receiver.conn.Close()
}

func (receiver *gbnReceiver) RegisterMetrics(registerer prometheus.Registerer) error {
	return receiver.metrics.register(registerer)
}
