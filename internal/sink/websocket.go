package sink

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/headunit/internal/buffer"
	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/video"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the viewer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the viewer
	pongWait = 60 * time.Second

	// Send pings to viewer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Access units queued for broadcast before new ones are dropped
	queueDepth = 8
)

type unit struct {
	buf []byte
	n   int
}

// WebSocketSink broadcasts access units to browser viewers as binary
// WebSocket messages. Decode never blocks on viewers: units are copied into
// pooled buffers and dropped when the broadcast queue is full.
type WebSocketSink struct {
	pool     *buffer.Pool
	upgrader websocket.Upgrader

	queue chan unit
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	viewers map[*websocket.Conn]struct{}
	closed  bool

	dropped uint64
}

// NewWebSocketSink starts the broadcaster. pool may be nil.
func NewWebSocketSink(pool *buffer.Pool) *WebSocketSink {
	if pool == nil {
		pool = buffer.NewPool(buffer.PolicyFresh)
	}
	s := &WebSocketSink{
		pool: pool,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		queue:   make(chan unit, queueDepth),
		done:    make(chan struct{}),
		viewers: make(map[*websocket.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.broadcast()
	return s
}

// Decode implements video.Sink.
func (s *WebSocketSink) Decode(buf []byte, off, n int, _ bool, _ video.Codec) error {
	if s.Viewers() == 0 {
		return nil
	}

	b := s.pool.Acquire()
	if len(b) < n {
		s.pool.Release(b)
		b = make([]byte, n)
	}
	copy(b, buf[off:off+n])

	select {
	case s.queue <- unit{buf: b, n: n}:
	default:
		s.pool.Release(b)
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		logging.Debug("Viewer queue full, dropping access unit", zap.Int("bytes", n))
	}
	return nil
}

func (s *WebSocketSink) broadcast() {
	defer s.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case u := <-s.queue:
			for _, c := range s.snapshot() {
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.BinaryMessage, u.buf[:u.n]); err != nil {
					logging.Info("Viewer write failed, disconnecting",
						zap.String("remote_addr", c.RemoteAddr().String()),
						zap.Error(err),
					)
					s.remove(c)
				}
			}
			s.pool.Release(u.buf)
		case <-ticker.C:
			for _, c := range s.snapshot() {
				if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					s.remove(c)
				}
			}
		}
	}
}

// ServeHTTP upgrades a viewer connection.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Viewer upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = c.Close()
		return
	}
	s.viewers[c] = struct{}{}
	s.mu.Unlock()
	logging.LogConnection(r.RemoteAddr, "viewer_connected")

	s.wg.Add(1)
	go s.readPump(c)
}

// readPump consumes control frames so pongs and closes are processed.
func (s *WebSocketSink) readPump(c *websocket.Conn) {
	defer s.wg.Done()
	defer s.remove(c)

	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) snapshot() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.viewers))
	for c := range s.viewers {
		out = append(out, c)
	}
	return out
}

func (s *WebSocketSink) remove(c *websocket.Conn) {
	s.mu.Lock()
	_, ok := s.viewers[c]
	delete(s.viewers, c)
	s.mu.Unlock()
	if ok {
		_ = c.Close()
		logging.LogConnection(c.RemoteAddr().String(), "viewer_disconnected")
	}
}

// Viewers returns the number of connected viewers.
func (s *WebSocketSink) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Dropped returns the number of units dropped because the queue was full.
func (s *WebSocketSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close disconnects all viewers and stops the broadcaster.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	viewers := make([]*websocket.Conn, 0, len(s.viewers))
	for c := range s.viewers {
		viewers = append(viewers, c)
	}
	s.mu.Unlock()

	close(s.done)
	for _, c := range viewers {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream ended"),
			time.Now().Add(time.Second))
		s.remove(c)
	}
	s.wg.Wait()

	for {
		select {
		case u := <-s.queue:
			s.pool.Release(u.buf)
		default:
			return nil
		}
	}
}
