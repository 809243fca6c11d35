package rdt

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrTimeoutBudget is the terminal failure of a sender whose
// retransmission budget ran out. Transient loss, reordering and single
// timeouts are recovered inside the engine and never surface.
var ErrTimeoutBudget = errors.New("retransmission timeout budget exhausted")

// Status is the terminal state of one transfer.
type Status int

const (
	StatusCompleted Status = iota
	StatusAborted
)

func (status Status) String() string {
	if status == StatusCompleted {
		return "completed"
	}
	return "aborted"
}

// Result reports one finished transfer to the caller. Persisting it
// (CSV, plots) is the harness's business, not the engine's.
type Result struct {
	Status          Status
	BytesAcked      int
	Elapsed         time.Duration
	Retransmissions int
	Timeouts        int
}

// Sender drives one buffer to the peer, synchronously, until every byte
// is acknowledged or the timeout budget is exhausted.
type Sender interface {
	// Run blocks until the transfer completes or aborts. The
	// returned error is terminal: the timeout budget or a socket
	// failure. Loss recovered by retransmission is not an error.
	Run() (Result, error)
	// Stop tears the engine down: every live timer is cancelled and
	// pending socket reads are unblocked. Safe to call concurrently
	// with Run.
	Stop() error
}

// Receiver reconstructs byte streams into a sink. It is a long-lived
// server: after each end-of-transfer sentinel it resets and waits for
// the next transfer on the same socket.
type Receiver interface {
	Run() error
	Stop() error
	// RegisterMetrics attaches the engine's counters to a
	// prometheus registerer. Optional; counters work unregistered.
	RegisterMetrics(registerer prometheus.Registerer) error
}

// Sink is where a receiver writes delivered, in-order bytes. Reset
// reopens it for a fresh transfer (a DATA segment at offset zero).
type Sink interface {
	io.Writer
	Reset() error
}

type fileSink struct {
	file *os.File
}

// NewFileSink opens (or creates) path for appending delivered bytes.
func NewFileSink(path string) (Sink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening output file")
	}
	return &fileSink{file: file}, nil
}

func (sink *fileSink) Write(p []byte) (int, error) {
	return sink.file.Write(p)
}

func (sink *fileSink) Reset() error {
	if err := sink.file.Truncate(0); err != nil {
		return err
	}
	_, err := sink.file.Seek(0, io.SeekStart)
	return err
}

// byteSink collects output in memory. Used by tests and callers that
// do not want a file.
type byteSink struct {
	mutex sync.Mutex
	data  []byte
}

func newByteSink() *byteSink {
	return &byteSink{}
}

func (sink *byteSink) Write(p []byte) (int, error) {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.data = append(sink.data, p...)
	return len(p), nil
}

func (sink *byteSink) Reset() error {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	sink.data = sink.data[:0]
	return nil
}

func (sink *byteSink) Bytes() []byte {
	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	out := make([]byte, len(sink.data))
	copy(out, sink.data)
	return out
}

// NewSender binds localAddress:localPort (empty/zero for ephemeral),
// connects to the peer and returns the engine selected by cfg.Protocol
// for sending buffer.
func NewSender(cfg Config, localAddress string, localPort int, peerAddress string, peerPort int, buffer []byte) (Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := dialUDP(localAddress, localPort, peerAddress, peerPort)
	if err != nil {
		return nil, err
	}
	return newSender(cfg, conn, buffer)
}

func newSender(cfg Config, conn connector, buffer []byte) (Sender, error) {
	switch cfg.Protocol {
	case SelectiveRepeat:
		return newSRSender(cfg, conn, buffer), nil
	default:
		return newGBNSender(cfg, conn, buffer), nil
	}
}

// NewReceiver binds address:port and returns the engine selected by
// cfg.Protocol, writing delivered bytes to sink. A nonzero
// cfg.LossProbability wraps the socket in the loss simulator.
func NewReceiver(cfg Config, address string, port int, sink Sink) (Receiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, err := listenUDP(address, port)
	if err != nil {
		return nil, err
	}
	return newReceiver(cfg, conn, sink)
}

func newReceiver(cfg Config, conn connector, sink Sink) (Receiver, error) {
	metrics := newTransferMetrics("receiver")
	if cfg.LossProbability > 0 {
		conn = newLossyConnector(conn, randomDrop(cfg.LossProbability, nil), metrics)
	}
	switch cfg.Protocol {
	case SelectiveRepeat:
		return newSRReceiver(cfg, conn, sink, metrics), nil
	default:
		return newGBNReceiver(cfg, conn, sink, metrics), nil
	}
}
