package rdt

import (
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// connector is the transport seam the engines speak through. Engines
// never touch sockets directly, so tests swap in channel-backed
// connectors and loss injectors without changing engine code.
type connector interface {
	Read(buffer []byte) (int, error)
	Write(buffer []byte) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func createUDPAddress(addressString string, port int) (*net.UDPAddr, error) {
	address := addressString + ":" + strconv.Itoa(port)
	udpAddress, err := net.ResolveUDPAddr("udp4", address)
	return udpAddress, errors.Wrapf(err, "resolving %s", address)
}

// udpConnector carries one transfer over a single UDP socket. A dialed
// connector (sender side) is connected to its peer; a listening
// connector (receiver side) learns the peer address from the first
// datagram and sends ACKs back to it.
type udpConnector struct {
	conn   *net.UDPConn
	dialed bool

	mutex sync.Mutex
	peer  *net.UDPAddr
}

func dialUDP(localAddress string, localPort int, peerAddress string, peerPort int) (*udpConnector, error) {
	var local *net.UDPAddr
	var err error
	if localAddress != "" || localPort != 0 {
		local, err = createUDPAddress(localAddress, localPort)
		if err != nil {
			return nil, err
		}
	}
	remote, err := createUDPAddress(peerAddress, peerPort)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", local, remote)
	if err != nil {
		return nil, errors.Wrap(err, "dialing peer")
	}
	return &udpConnector{conn: conn, dialed: true}, nil
}

func listenUDP(address string, port int) (*udpConnector, error) {
	local, err := createUDPAddress(address, port)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, errors.Wrap(err, "binding socket")
	}
	return &udpConnector{conn: conn}, nil
}

func (connector *udpConnector) Read(buffer []byte) (int, error) {
	if connector.dialed {
		return connector.conn.Read(buffer)
	}
	n, addr, err := connector.conn.ReadFromUDP(buffer)
	if addr != nil {
		connector.mutex.Lock()
		connector.peer = addr
		connector.mutex.Unlock()
	}
	return n, err
}

func (connector *udpConnector) Write(buffer []byte) (int, error) {
	if connector.dialed {
		return connector.conn.Write(buffer)
	}
	connector.mutex.Lock()
	peer := connector.peer
	connector.mutex.Unlock()
	if peer == nil {
		return 0, errors.New("no peer address known yet")
	}
	return connector.conn.WriteToUDP(buffer, peer)
}

func (connector *udpConnector) SetReadDeadline(t time.Time) error {
	return connector.conn.SetReadDeadline(t)
}

func (connector *udpConnector) Close() error {
	return connector.conn.Close()
}

func (connector *udpConnector) LocalAddr() net.Addr {
	return connector.conn.LocalAddr()
}

// dropDecision is consulted once per received datagram; true means the
// datagram is discarded before any checksum or window processing.
type dropDecision func() bool

func randomDrop(probability float64, rng *rand.Rand) dropDecision {
	if probability <= 0 {
		return func() bool { return false }
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return func() bool { return rng.Float64() < probability }
}

// scriptedDrop replays a fixed schedule of drop decisions and keeps
// everything once the schedule is exhausted.
func scriptedDrop(decisions ...bool) dropDecision {
	i := 0
	return func() bool {
		if i >= len(decisions) {
			return false
		}
		d := decisions[i]
		i++
		return d
	}
}

// lossyConnector simulates an unreliable channel on the receive path.
type lossyConnector struct {
	connector
	drop    dropDecision
	metrics *transferMetrics
}

func newLossyConnector(inner connector, drop dropDecision, metrics *transferMetrics) *lossyConnector {
	return &lossyConnector{connector: inner, drop: drop, metrics: metrics}
}

func (lossy *lossyConnector) Read(buffer []byte) (int, error) {
	for {
		n, err := lossy.connector.Read(buffer)
		if err != nil {
			return n, err
		}
		if !lossy.drop() {
			return n, nil
		}
		if n >= headerLength {
			log.Debugf("simulated loss of segment seq=%d", bytesToUint32(buffer[sequenceNumberPosition.Start:sequenceNumberPosition.End]))
		}
		if lossy.metrics != nil {
			lossy.metrics.simulatedDrops.Inc()
		}
	}
}
