package protocol

import (
	"fmt"
	"time"

	"github.com/muurk/headunit/internal/buffer"
	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/secure"
	"github.com/muurk/headunit/internal/transport"
	"go.uber.org/zap"
)

// minReadBuffer holds the largest possible frame.
const minReadBuffer = HeaderSize + TotalSize + MaxFramePayload

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithReadTimeout bounds every frame read. Zero blocks.
func WithReadTimeout(d time.Duration) ReaderOption {
	return func(r *Reader) { r.timeout = d }
}

// WithReadPool draws the read buffer from pool; it is released on Close.
func WithReadPool(pool *buffer.Pool) ReaderOption {
	return func(r *Reader) { r.pool = pool }
}

// WithMaxPayload rejects frames announcing more than n payload bytes.
func WithMaxPayload(n int) ReaderOption {
	return func(r *Reader) {
		if n > 0 && n <= MaxFramePayload {
			r.maxPayload = n
		}
	}
}

// Reader turns the connection byte stream into channel messages. It is not
// safe for concurrent use; a connection has exactly one reader goroutine.
type Reader struct {
	conn    transport.Connection
	session *secure.Session
	pool    *buffer.Pool

	timeout    time.Duration
	maxPayload int

	buf   []byte
	epoch buffer.Epoch
}

// NewReader creates a reader. session may be nil for a plaintext link.
func NewReader(conn transport.Connection, session *secure.Session, opts ...ReaderOption) *Reader {
	r := &Reader{
		conn:       conn,
		session:    session,
		maxPayload: MaxFramePayload,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pool != nil {
		r.buf = r.pool.Acquire()
	}
	if len(r.buf) < minReadBuffer {
		r.buf = make([]byte, minReadBuffer)
	}
	return r
}

// Next reads one frame. Encrypted payloads are decrypted in place. The
// returned message aliases the reader's buffer; its view goes stale on the
// next call.
//
// Errors: transport errors pass through unchanged, *FramingError for a
// malformed frame, *secure.CryptoError for a record that failed to open.
// After a framing or crypto error the stream is still aligned.
func (r *Reader) Next() (Message, error) {
	r.epoch.Advance()

	if _, err := r.conn.Recv(r.buf[:HeaderSize], r.timeout, true); err != nil {
		return Message{}, err
	}
	h := parseBase(r.buf[:HeaderSize])
	off := HeaderSize
	if h.Flags.HasTotal() {
		if _, err := r.conn.Recv(r.buf[HeaderSize:HeaderSize+TotalSize], r.timeout, true); err != nil {
			return Message{}, err
		}
		h.Total = parseTotal(r.buf[HeaderSize:])
		off += TotalSize
	}

	if h.Length == 0 {
		return Message{}, r.malformed(h, "zero payload length")
	}

	// Oversized frames are drained so the stream stays aligned.
	if h.Length > r.maxPayload {
		if err := r.discard(h.Length); err != nil {
			return Message{}, err
		}
		return Message{}, r.malformed(h, fmt.Sprintf("payload exceeds limit %d", r.maxPayload))
	}

	if _, err := r.conn.Recv(r.buf[off:off+h.Length], r.timeout, true); err != nil {
		return Message{}, err
	}

	if h.Flags&^knownFlags != 0 {
		return Message{}, r.malformed(h, "unknown flag bits")
	}

	payload := buffer.NewView(r.buf, off, h.Length, &r.epoch)
	if h.Flags.Encrypted() {
		if r.session == nil {
			return Message{}, r.malformed(h, "encrypted frame on a plaintext link")
		}
		plain, err := r.session.Decrypt(off, h.Length, r.buf)
		if err != nil {
			logging.Debug("Dropping frame that failed to decrypt",
				zap.String("channel", h.Channel.String()),
				zap.Error(err),
			)
			return Message{Channel: h.Channel, Flags: h.Flags}, err
		}
		payload = buffer.NewView(r.buf, plain.Offset(), plain.Len(), &r.epoch)
	}

	msg := Message{
		Channel: h.Channel,
		Flags:   h.Flags,
		Payload: payload,
		Total:   h.Total,
	}
	if logging.DebugEnabled() {
		logging.LogFrame("recv", h.Channel.String(), byte(h.Flags), payload.Bytes())
	}
	return msg, nil
}

func (r *Reader) discard(n int) error {
	for n > 0 {
		chunk := min(n, len(r.buf))
		if _, err := r.conn.Recv(r.buf[:chunk], r.timeout, true); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

func (r *Reader) malformed(h Header, reason string) error {
	logging.Warn("Dropping malformed frame",
		zap.String("channel", h.Channel.String()),
		zap.String("flags", fmt.Sprintf("0x%02x", uint8(h.Flags))),
		zap.Int("length", h.Length),
		zap.String("reason", reason),
	)
	return &FramingError{Channel: h.Channel, Flags: h.Flags, Length: h.Length, Reason: reason}
}

// Close returns the read buffer to the pool. Messages obtained earlier
// become invalid.
func (r *Reader) Close() {
	if r.buf == nil {
		return
	}
	r.epoch.Advance()
	if r.pool != nil {
		r.pool.Release(r.buf)
	}
	r.buf = nil
}
