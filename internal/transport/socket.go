package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muurk/headunit/internal/logging"
	"go.uber.org/zap"
)

// DefaultDialTimeout bounds Connect when the context has no deadline.
const DefaultDialTimeout = 5 * time.Second

// SocketConnection is a Connection over TCP. It either dials an address on
// Connect or adopts a socket that is already open (as handed over by
// discovery).
type SocketConnection struct {
	addr        string
	dialTimeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	connected atomic.Bool
}

// NewSocketConnection returns an unconnected socket for addr ("host:port").
func NewSocketConnection(addr string) *SocketConnection {
	return &SocketConnection{addr: addr, dialTimeout: DefaultDialTimeout}
}

// AdoptConn wraps an already-connected socket. Connect becomes a no-op.
func AdoptConn(conn net.Conn) *SocketConnection {
	s := &SocketConnection{conn: conn, dialTimeout: DefaultDialTimeout}
	if ra := conn.RemoteAddr(); ra != nil {
		s.addr = ra.String()
	}
	s.connected.Store(true)
	return s
}

// SetDialTimeout changes the timeout used by Connect.
func (s *SocketConnection) SetDialTimeout(d time.Duration) {
	if d > 0 {
		s.dialTimeout = d
	}
}

// Addr returns the remote address.
func (s *SocketConnection) Addr() string { return s.addr }

func (s *SocketConnection) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected.Load() {
		return nil
	}
	if s.addr == "" {
		return &Error{Kind: KindIO, Op: "connect", Err: errors.New("no address")}
	}

	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return Classify("connect", s.addr, 0, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	s.conn = conn
	s.connected.Store(true)
	logging.LogConnection(s.addr, "connected")
	return nil
}

func (s *SocketConnection) current() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *SocketConnection) Send(buf []byte, timeout time.Duration) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	conn := s.current()
	if conn == nil || !s.connected.Load() {
		return 0, &Error{Kind: KindClosed, Op: "send", Addr: s.addr, Err: net.ErrClosed}
	}

	conn.SetWriteDeadline(deadline(timeout))
	n, err := conn.Write(buf)
	if err != nil {
		return n, s.fail("send", n, err)
	}
	return n, nil
}

func (s *SocketConnection) Recv(buf []byte, timeout time.Duration, readFully bool) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	conn := s.current()
	if conn == nil || !s.connected.Load() {
		return 0, &Error{Kind: KindClosed, Op: "recv", Addr: s.addr, Err: net.ErrClosed}
	}

	conn.SetReadDeadline(deadline(timeout))
	if !readFully {
		n, err := conn.Read(buf)
		if err != nil && n == 0 {
			return 0, s.fail("recv", 0, err)
		}
		return n, nil
	}

	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, s.fail("recv", total, err)
		}
	}
	return total, nil
}

// fail classifies err and marks the link down unless it merely timed out.
func (s *SocketConnection) fail(op string, n int, err error) error {
	te := Classify(op, s.addr, n, err)
	if te.Kind == KindClosed && s.connected.CompareAndSwap(true, false) {
		logging.Debug("Connection lost",
			zap.String("remote_addr", s.addr),
			zap.String("op", op),
			zap.Error(err),
		)
	}
	return te
}

func (s *SocketConnection) IsConnected() bool { return s.connected.Load() }

func (s *SocketConnection) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected.Store(false)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	logging.LogConnection(s.addr, "disconnected")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return Classify("disconnect", s.addr, 0, err)
	}
	return nil
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
