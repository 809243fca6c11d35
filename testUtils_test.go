package rdt

import (
	"container/list"
	"sync"
	"time"

	"github.com/stretchr/testify/suite"
)

type rdtTestSuite struct {
	suite.Suite
}

func (suite *rdtTestSuite) handleTestError(err error) {
	if err != nil {
		suite.NoError(err)
	}
}

// readSegment pulls the next segment off a connector, failing the test
// if none arrives in time.
func (suite *rdtTestSuite) readSegment(conn connector, timeout time.Duration) *segment {
	buffer := make([]byte, defaultMTU)
	suite.handleTestError(conn.SetReadDeadline(time.Now().Add(timeout)))
	n, err := conn.Read(buffer)
	suite.handleTestError(conn.SetReadDeadline(time.Time{}))
	if !suite.NoError(err) {
		return nil
	}
	seg, err := parseSegment(buffer[:n])
	suite.handleTestError(err)
	return seg
}

// expectNoSegment asserts that nothing arrives on conn within timeout.
func (suite *rdtTestSuite) expectNoSegment(conn connector, timeout time.Duration) {
	buffer := make([]byte, defaultMTU)
	suite.handleTestError(conn.SetReadDeadline(time.Now().Add(timeout)))
	n, err := conn.Read(buffer)
	suite.handleTestError(conn.SetReadDeadline(time.Time{}))
	if err == nil {
		seg, parseErr := parseSegment(buffer[:n])
		if parseErr == nil {
			suite.Failf("unexpected segment", "seq %d", seg.getSequenceNumber())
		} else {
			suite.Fail("unexpected datagram")
		}
		return
	}
	suite.True(isTimeout(err))
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "read timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

// channelConnector links two engines through buffered channels, no
// sockets involved. Read honors deadlines by polling so an engine
// shutdown can unblock a pending read.
type channelConnector struct {
	in  chan []byte
	out chan []byte

	mutex    sync.Mutex
	deadline time.Time
	closed   bool
}

func newChannelPair() (*channelConnector, *channelConnector) {
	a, b := make(chan []byte, 1024), make(chan []byte, 1024)
	return &channelConnector{in: a, out: b}, &channelConnector{in: b, out: a}
}

func (connector *channelConnector) Write(buffer []byte) (int, error) {
	own := make([]byte, len(buffer))
	copy(own, buffer)
	connector.mutex.Lock()
	defer connector.mutex.Unlock()
	if connector.closed {
		return 0, &timeoutError{}
	}
	connector.out <- own
	return len(buffer), nil
}

func (connector *channelConnector) Read(buffer []byte) (int, error) {
	for {
		connector.mutex.Lock()
		deadline := connector.deadline
		closed := connector.closed
		connector.mutex.Unlock()
		if closed {
			return 0, &timeoutError{}
		}

		wait := 2 * time.Millisecond
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, &timeoutError{}
			}
			if remaining < wait {
				wait = remaining
			}
		}
		select {
		case buff, ok := <-connector.in:
			if !ok {
				return 0, &timeoutError{}
			}
			copy(buffer, buff)
			return len(buff), nil
		case <-time.After(wait):
		}
	}
}

func (connector *channelConnector) SetReadDeadline(t time.Time) error {
	connector.mutex.Lock()
	connector.deadline = t
	connector.mutex.Unlock()
	return nil
}

func (connector *channelConnector) Close() error {
	connector.mutex.Lock()
	defer connector.mutex.Unlock()
	if !connector.closed {
		connector.closed = true
		close(connector.out)
	}
	return nil
}

// segmentManipulator interferes with the write path of one endpoint:
// individual sequence numbers can be dropped once, or everything
// swallowed, to force recovery paths deterministically.
type segmentManipulator struct {
	extension connector

	mutex      sync.Mutex
	toDropOnce list.List
	dropAll    bool
}

func newSegmentManipulator(extension connector) *segmentManipulator {
	return &segmentManipulator{extension: extension}
}

func (manipulator *segmentManipulator) DropOnce(sequenceNumber uint32) {
	manipulator.mutex.Lock()
	defer manipulator.mutex.Unlock()
	manipulator.toDropOnce.PushFront(sequenceNumber)
}

func (manipulator *segmentManipulator) DropAll(drop bool) {
	manipulator.mutex.Lock()
	defer manipulator.mutex.Unlock()
	manipulator.dropAll = drop
}

func (manipulator *segmentManipulator) Write(buffer []byte) (int, error) {
	manipulator.mutex.Lock()
	if manipulator.dropAll {
		manipulator.mutex.Unlock()
		return len(buffer), nil
	}
	if len(buffer) >= headerLength {
		seq := bytesToUint32(buffer[sequenceNumberPosition.Start:sequenceNumberPosition.End])
		for elem := manipulator.toDropOnce.Front(); elem != nil; elem = elem.Next() {
			if elem.Value.(uint32) == seq {
				manipulator.toDropOnce.Remove(elem)
				manipulator.mutex.Unlock()
				return len(buffer), nil
			}
		}
	}
	manipulator.mutex.Unlock()
	return manipulator.extension.Write(buffer)
}

func (manipulator *segmentManipulator) Read(buffer []byte) (int, error) {
	return manipulator.extension.Read(buffer)
}

func (manipulator *segmentManipulator) SetReadDeadline(t time.Time) error {
	return manipulator.extension.SetReadDeadline(t)
}

func (manipulator *segmentManipulator) Close() error {
	return manipulator.extension.Close()
}
