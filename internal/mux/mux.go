// Package mux implements the single UDP socket shared by every DHT query
// and response. It generalizes the teacher's remoteNode.Listen/SendMsg/
// ReadFromSocket trio into one type: a bound socket, a mutex-serialized
// Send, and a single receive loop that hands arena-backed buffers to a
// channel. Per-send failures never take the multiplexer down; only the
// receive loop's own goroutine exit does.
package mux

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"ouinet/internal/arena"
	"ouinet/internal/logger"
)

// MaxPacketSize bounds a single UDP datagram; anything larger is truncated
// by the kernel and logged, matching the teacher's MaxUDPPacketSize.
const MaxPacketSize = 4096

// Packet is a received datagram and its source address. B is backed by an
// arena block and must be returned via Mux.Release once the caller is done
// decoding it.
type Packet struct {
	B     []byte
	Raddr net.UDPAddr
}

// Mux owns one bound UDP socket and multiplexes sends and receives across
// every goroutine that needs the wire.
type Mux struct {
	conn *net.UDPConn
	pool arena.Arena
	log  logger.DebugLogger

	sendMu sync.Mutex

	totalSent      int64
	totalReadBytes int64
	totalWritten   int64

	stop   chan struct{}
	closed int32
}

// Listen binds a UDP socket on addr:port using the given network ("udp4" or
// "udp6") and returns a Mux ready to Send/Run.
func Listen(network, addr string, port int, log logger.DebugLogger) (*Mux, error) {
	if log == nil {
		log = logger.NullLogger{}
	}
	log.Debugf("mux: listening on %s:%d (%s)", addr, port, network)
	conn, err := net.ListenPacket(network, net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("mux: listen: %w", err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("mux: listen: not a UDP connection")
	}
	return &Mux{
		conn: udpConn,
		pool: arena.New(MaxPacketSize, 256),
		log:  log,
		stop: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound local address.
func (m *Mux) LocalAddr() net.Addr {
	return m.conn.LocalAddr()
}

// Send bencodes nothing itself — it writes the already-encoded payload to
// raddr. Sends from concurrent goroutines are serialized so a slow or
// failing write never corrupts another caller's datagram. A failed send is
// logged and otherwise ignored: the caller's own retry/timeout logic (in
// internal/dhtnode) is the layer that reacts to silence.
func (m *Mux) Send(payload []byte, raddr net.UDPAddr) {
	atomic.AddInt64(&m.totalSent, 1)
	m.sendMu.Lock()
	n, err := m.conn.WriteToUDP(payload, &raddr)
	m.sendMu.Unlock()
	if err != nil {
		m.log.Debugf("mux: write to %s failed: %s", raddr.String(), err)
		return
	}
	atomic.AddInt64(&m.totalWritten, int64(n))
}

// Run drives the single receive loop, popping arena buffers, reading
// datagrams into them, and forwarding each as a Packet on out. Run returns
// when the socket is closed or the stop channel fires; it never spawns
// additional goroutines, so there is exactly one reader of the socket.
func (m *Mux) Run(out chan<- Packet) {
	for {
		b := m.pool.Pop()
		n, addr, err := m.conn.ReadFromUDP(b)
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
			}
			m.log.Debugf("mux: read error: %s", err)
			m.pool.Push(b)
			continue
		}
		if n == MaxPacketSize {
			m.log.Debugf("mux: packet at max size %d, may be truncated", MaxPacketSize)
		}
		atomic.AddInt64(&m.totalReadBytes, int64(n))
		p := Packet{B: b[:n], Raddr: *addr}
		select {
		case out <- p:
		case <-m.stop:
			return
		}
	}
}

// Release returns a packet's buffer to the arena so it can be reused by a
// future receive. Callers must not touch p.B after calling Release.
func (m *Mux) Release(p Packet) {
	m.pool.Push(p.B[:cap(p.B)])
}

// Close stops Run and releases the socket. Safe to call once.
func (m *Mux) Close() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return nil
	}
	close(m.stop)
	return m.conn.Close()
}

// Stats returns the running send/receive counters, primarily for the
// front-end status page.
func (m *Mux) Stats() (sent, readBytes, writtenBytes int64) {
	return atomic.LoadInt64(&m.totalSent), atomic.LoadInt64(&m.totalReadBytes), atomic.LoadInt64(&m.totalWritten)
}
