package rdt

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// srSender implements selective repeat: every unacked segment keeps its
// own retransmission timer and only the timed-out segment is resent.
// The window base slides over contiguous runs of acknowledged offsets.
type srSender struct {
	cfg     Config
	conn    connector
	buffer  []byte
	metrics *transferMetrics

	mutex     sync.Mutex
	timers    *timerRegistry
	estimator *rtoEstimator

	base    uint32
	nextSeq uint32
	acked   map[uint32]bool
	lengths map[uint32]uint32
	sentAt  map[uint32]time.Time
	resent  map[uint32]bool

	totalTimeouts   int
	retransmissions int

	status      Status
	terminalErr error
	finished    bool
	done        chan struct{}
}

func newSRSender(cfg Config, conn connector, buffer []byte) *srSender {
	sender := &srSender{
		cfg:       cfg,
		conn:      conn,
		buffer:    buffer,
		metrics:   newTransferMetrics("sender"),
		estimator: newRTOEstimator(cfg.InitialRTO),
		acked:     make(map[uint32]bool),
		lengths:   make(map[uint32]uint32),
		sentAt:    make(map[uint32]time.Time),
		resent:    make(map[uint32]bool),
		done:      make(chan struct{}),
	}
	sender.timers = newTimerRegistry(&sender.mutex)
	return sender
}

func (sender *srSender) bufferLen() uint32 {
	return uint32(len(sender.buffer))
}

func (sender *srSender) Run() (Result, error) {
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

func (sender *srSender) Stop() error {
	sender.mutex.Lock()
	if !sender.finished {
		sender.status = StatusAborted
		sender.shutdown()
	}
	sender.mutex.Unlock()
	return sender.conn.Close()
}

func (sender *srSender) isDone() bool {
	select {
	case <-sender.done:
		return true
	default:
		return false
	}
}

func (sender *srSender) receiveLoop() error {
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

// sendWindow transmits new segments while window space remains, each
// with its own timer. Caller holds the lock.
func (sender *srSender) sendWindow() {
	if sender.finished {
		return
	}
	windowEnd := sender.base + uint32(sender.cfg.WindowSize)*uint32(sender.cfg.MSS)
	for sender.nextSeq < sender.bufferLen() && sender.nextSeq < windowEnd {
		offset := sender.nextSeq
		end := offset + uint32(sender.cfg.MSS)
		if end > sender.bufferLen() {
			end = sender.bufferLen()
		}
		seg := createDataSegment(offset, sender.buffer[offset:end])
		if _, err := sender.conn.Write(seg.buffer); err != nil {
			sender.fail(errors.Wrap(err, "writing segment"))
			return
		}
		log.Debugf("sent segment seq=%d len=%d", offset, end-offset)
		sender.metrics.segmentsSent.Inc()
		sender.lengths[offset] = end - offset
		sender.sentAt[offset] = time.Now()
		sender.timers.schedule(offset, sender.estimator.current(), func() {
			sender.onTimeout(offset)
		})
		sender.nextSeq = end
	}
}

// handleAck records one selective ACK. Duplicates and offsets below the
// base are ignored, making processing idempotent. Caller holds the
// lock.
func (sender *srSender) handleAck(offset uint32) {
	if sender.finished || offset < sender.base || sender.acked[offset] {
		return
	}
	if _, sent := sender.lengths[offset]; !sent {
		return
	}
	sender.acked[offset] = true
	sender.timers.cancel(offset)
	if sender.cfg.RTOMode == RTOAdaptive && !sender.resent[offset] {
		sender.estimator.update(time.Since(sender.sentAt[offset]))
	}
	for sender.acked[sender.base] {
		length := sender.lengths[sender.base]
		delete(sender.acked, sender.base)
		delete(sender.lengths, sender.base)
		delete(sender.sentAt, sender.base)
		delete(sender.resent, sender.base)
		sender.base += length
	}
	if sender.base == sender.bufferLen() {
		sender.finish()
		return
	}
	sender.sendWindow()
}

// onTimeout fires with the lock held and resends only the timed-out
// segment. The timeout budget is global across segments.
func (sender *srSender) onTimeout(offset uint32) {
	if sender.finished || sender.acked[offset] {
		return
	}
	sender.totalTimeouts++
	sender.metrics.timeouts.Inc()
	log.Noticef("timeout %d, retransmitting seq=%d", sender.totalTimeouts, offset)
	if sender.totalTimeouts > sender.cfg.MaxTimeouts {
		sender.abort()
		return
	}
	end := offset + sender.lengths[offset]
	seg := createDataSegment(offset, sender.buffer[offset:end])
	if _, err := sender.conn.Write(seg.buffer); err != nil {
		sender.fail(errors.Wrap(err, "retransmitting segment"))
		return
	}
	sender.resent[offset] = true
	sender.retransmissions++
	sender.metrics.segmentsSent.Inc()
	sender.metrics.retransmissions.Inc()
	sender.timers.schedule(offset, sender.estimator.current(), func() {
		sender.onTimeout(offset)
	})
}

func (sender *srSender) finish() {
	sentinel := createSentinelSegment(sender.base)
	if _, err := sender.conn.Write(sentinel.buffer); err != nil {
		log.Warningf("writing end-of-transfer sentinel: %v", err)
	}
	sender.status = StatusCompleted
	sender.metrics.transfersCompleted.Inc()
	sender.shutdown()
}

func (sender *srSender) abort() {
	sender.status = StatusAborted
	sender.terminalErr = errors.Wrapf(ErrTimeoutBudget, "after %d timeouts", sender.totalTimeouts)
	sender.metrics.transfersAborted.Inc()
	sender.shutdown()
}

func (sender *srSender) fail(err error) {
	if sender.finished {
		return
	}
	sender.status = StatusAborted
	sender.terminalErr = err
	sender.shutdown()
}

func (sender *srSender) shutdown() {
	if sender.finished {
		return
	}
	sender.finished = true
	sender.timers.cancelAll()
	close(sender.done)
	_ = sender.conn.SetReadDeadline(time.Now())
}

// srReceiver buffers out-of-order segments inside a bounded window and
// flushes contiguous runs to the sink. Every in-window or below-base
// segment is ACKed individually; out-of-window segments are dropped
// without an ACK so the sender retries once the window has slid.
type srReceiver struct {
	cfg     Config
	conn    connector
	sink    Sink
	metrics *transferMetrics

	mutex         sync.Mutex
	base          uint32
	reorder       map[uint32][]byte
	started       bool
	stopped       bool
	transfersDone int
}

func newSRReceiver(cfg Config, conn connector, sink Sink, metrics *transferMetrics) *srReceiver {
	return &srReceiver{
		cfg:     cfg,
		conn:    conn,
		sink:    sink,
		metrics: metrics,
		reorder: make(map[uint32][]byte),
	}
}

func (receiver *srReceiver) Run() error {
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

func (receiver *srReceiver) handleData(seg *segment) error {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()

	seq := seg.getSequenceNumber()
	if seg.isSentinel() {
		receiver.writeAck(seq)
		log.Infof("transfer complete at offset %d", receiver.base)
		receiver.base = 0
		receiver.reorder = make(map[uint32][]byte)
		receiver.started = false
		receiver.transfersDone++
		receiver.metrics.transfersCompleted.Inc()
		return nil
	}

	if seq < receiver.base {
		// Already delivered: re-ACK so the sender cancels its
		// timer, but never rewrite output.
		log.Debugf("duplicate segment seq=%d below base=%d", seq, receiver.base)
		receiver.metrics.duplicateSegments.Inc()
		receiver.writeAck(seq)
		return nil
	}
	windowEnd := receiver.base + uint32(receiver.cfg.WindowSize)*uint32(receiver.cfg.MSS)
	if seq >= windowEnd {
		log.Debugf("segment seq=%d outside window [%d,%d)", seq, receiver.base, windowEnd)
		receiver.metrics.outOfWindowDrops.Inc()
		return nil
	}

	// The first in-window segment of a transfer may arrive out of
	// order, so any accepted segment opens the transfer, not just
	// offset zero.
	if !receiver.started {
		if err := receiver.sink.Reset(); err != nil {
			return errors.Wrap(err, "resetting output sink")
		}
		receiver.started = true
	}

	if _, buffered := receiver.reorder[seq]; !buffered {
		payload := make([]byte, len(seg.data))
		copy(payload, seg.data)
		receiver.reorder[seq] = payload
	}
	receiver.writeAck(seq)

	for {
		payload, ok := receiver.reorder[receiver.base]
		if !ok {
			break
		}
		if _, err := receiver.sink.Write(payload); err != nil {
			return errors.Wrap(err, "writing to output sink")
		}
		receiver.metrics.bytesDelivered.Add(float64(len(payload)))
		delete(receiver.reorder, receiver.base)
		receiver.base += uint32(len(payload))
	}
	return nil
}

func (receiver *srReceiver) writeAck(ackNum uint32) {
	ack := createAckSegment(ackNum)
	if _, err := receiver.conn.Write(ack.buffer); err != nil {
		log.Warningf("writing ack %d: %v", ackNum, err)
		return
	}
	receiver.metrics.acksSent.Inc()
}

func (receiver *srReceiver) isStopped() bool {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()
	return receiver.stopped
}

func (receiver *srReceiver) completedTransfers() int {
	receiver.mutex.Lock()
	defer receiver.mutex.Unlock()
	return receiver.transfersDone
}

func (receiver *srReceiver) Stop() error {
	receiver.mutex.Lock()
	receiver.stopped = true
	receiver.mutex.Unlock()
	return receiver.conn.Close()
}

func (receiver *srReceiver) RegisterMetrics(registerer prometheus.Registerer) error {
	return receiver.metrics.register(registerer)
}
