package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/muurk/headunit/internal/discovery"
	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/protocol"
	"github.com/muurk/headunit/internal/secure"
	"github.com/muurk/headunit/internal/transport"
	"go.uber.org/zap"
)

// Config holds the peer configuration
type Config struct {
	Host string
	Port int // Projection port, discovery.ServerPort by default; 0 picks a free port when Listen is called directly

	// LauncherPort, when positive, also accepts (and immediately closes)
	// connections so discovery sees a wireless launcher.
	LauncherPort int

	Stream   *Stream
	Interval time.Duration // Pause between access units
	Loop     bool          // Restart the stream at the end instead of hanging up

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	FragmentSize int // 0 uses protocol.MaxFragmentSize
}

// Server plays the phone: it accepts head units, completes the link
// start-up and streams video to them.
type Server struct {
	config   *Config
	listener net.Listener
	launcher net.Listener

	wg          sync.WaitGroup
	mu          sync.Mutex
	activeConns map[string]net.Conn
	closed      bool
}

// New creates a new Server instance
func New(config *Config) (*Server, error) {
	if config.Stream == nil || len(config.Stream.Units) == 0 {
		return nil, errors.New("peer: no video to stream")
	}
	return &Server{
		config:      config,
		activeConns: make(map[string]net.Conn),
	}, nil
}

// Listen binds the listeners without accepting yet.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = l

	if s.config.LauncherPort > 0 {
		laddr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.LauncherPort))
		ll, err := net.Listen("tcp", laddr)
		if err != nil {
			l.Close()
			return fmt.Errorf("failed to listen on %s: %w", laddr, err)
		}
		s.launcher = ll
	}

	logging.Info("Peer listening for head units",
		zap.String("addr", l.Addr().String()),
		zap.Int("units", len(s.config.Stream.Units)),
		zap.Stringer("codec", s.config.Stream.Codec),
	)
	return nil
}

// Addr returns the projection listener address. Valid after Listen.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts head units until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	if s.launcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLauncher()
		}()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.acceptConnections(ctx)
	}()

	select {
	case <-ctx.Done():
		logging.Info("Stopping peer...")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// acceptConnections accepts and handles incoming connections
func (s *Server) acceptConnections(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logging.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// acceptLauncher answers discovery probes on the launcher port.
func (s *Server) acceptLauncher() {
	for {
		conn, err := s.launcher.Accept()
		if err != nil {
			return
		}
		logging.LogConnection(conn.RemoteAddr().String(), "launcher_probe")
		_ = conn.Close()
	}
}

// handleConnection runs one head-unit session
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()

	s.mu.Lock()
	s.activeConns[remoteAddr] = conn
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.activeConns, remoteAddr)
		s.mu.Unlock()
		logging.LogConnection(remoteAddr, "connection_closed")
	}()

	logging.LogConnection(remoteAddr, "connection_accepted")

	tc := transport.AdoptConn(conn)
	session := secure.NewSession(secure.RoleServer)
	defer session.Close()

	r := protocol.NewReader(tc, session, protocol.WithReadTimeout(s.config.ReadTimeout))
	defer r.Close()
	wopts := []protocol.WriterOption{protocol.WithWriteTimeout(s.config.WriteTimeout)}
	if s.config.FragmentSize > 0 {
		wopts = append(wopts, protocol.WithFragmentSize(s.config.FragmentSize))
	}
	w := protocol.NewWriter(tc, session, wopts...)

	if err := protocol.ServeHandshake(ctx, r, w, session); err != nil {
		logging.Error("Handshake failed",
			zap.String("remote_addr", remoteAddr),
			zap.Error(err),
		)
		return
	}

	sent, err := s.stream(ctx, w)
	if err != nil && ctx.Err() == nil {
		logging.Error("Streaming failed",
			zap.String("remote_addr", remoteAddr),
			zap.Int("units_sent", sent),
			zap.Error(err),
		)
		return
	}
	logging.Info("Stream finished",
		zap.String("remote_addr", remoteAddr),
		zap.Int("units_sent", sent),
	)
}

// stream sends the configured access units on the video channel.
func (s *Server) stream(ctx context.Context, w *protocol.Writer) (int, error) {
	step := uint64(s.config.Interval / time.Microsecond)
	if step == 0 {
		step = uint64(time.Second/30) / uint64(time.Microsecond)
	}

	sent := 0
	var ts uint64
	for {
		payloads := s.config.Stream.payloads(ts, step)
		for _, p := range payloads {
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			if err := w.Send(protocol.ChannelVideo, protocol.FlagEncrypted, p); err != nil {
				return sent, err
			}
			sent++
			if s.config.Interval > 0 {
				select {
				case <-time.After(s.config.Interval):
				case <-ctx.Done():
					return sent, ctx.Err()
				}
			}
		}
		if !s.config.Loop {
			return sent, nil
		}
		ts += step * uint64(len(payloads))
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			logging.Error("Error closing listener", zap.Error(err))
		}
	}
	if s.launcher != nil {
		_ = s.launcher.Close()
	}

	s.mu.Lock()
	for addr, conn := range s.activeConns {
		logging.Info("Closing active connection", zap.String("remote_addr", addr))
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Info("All connections closed gracefully")
	case <-ctx.Done():
		logging.Warn("Shutdown timeout, forcing close")
	case <-time.After(10 * time.Second):
		logging.Warn("Shutdown timeout after 10 seconds, forcing close")
	}
	return nil
}

// GetActiveConnections returns the number of active connections
func (s *Server) GetActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeConns)
}

// DefaultConfig returns a config listening on the standard ports.
func DefaultConfig(stream *Stream) *Config {
	return &Config{
		Port:         discovery.ServerPort,
		LauncherPort: discovery.LauncherPort,
		Stream:       stream,
		Interval:     time.Second / 30,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}
