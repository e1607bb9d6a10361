package protocol

import (
	"fmt"
	"sync"
	"time"

	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/secure"
	"github.com/muurk/headunit/internal/transport"
)

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriteTimeout bounds every frame write. Zero blocks.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.timeout = d }
}

// WithFragmentSize sets the plaintext size above which messages are split.
func WithFragmentSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 && n <= MaxFramePayload-secure.Overhead {
			w.fragment = n
		}
	}
}

// Writer frames, fragments and optionally encrypts outbound messages. It is
// safe for concurrent use; frames of one message are never interleaved
// with another's.
type Writer struct {
	conn     transport.Connection
	session  *secure.Session
	timeout  time.Duration
	fragment int

	mu    sync.Mutex
	frame []byte
}

// NewWriter creates a writer. session may be nil for a plaintext link.
func NewWriter(conn transport.Connection, session *secure.Session, opts ...WriterOption) *Writer {
	w := &Writer{
		conn:     conn,
		session:  session,
		fragment: MaxFragmentSize,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.frame = make([]byte, HeaderSize+TotalSize+w.fragment+secure.Overhead)
	return w
}

// Send writes payload on channel ch. Only the FlagControl and FlagEncrypted
// bits of flags are honoured; FIRST/LAST are derived from the fragmentation.
func (w *Writer) Send(ch ChannelID, flags Flags, payload []byte) error {
	flags &^= positional
	if len(payload) == 0 && !flags.Encrypted() {
		return fmt.Errorf("send on %s: empty plaintext payload", ch)
	}
	if flags.Encrypted() && w.session == nil {
		return fmt.Errorf("send on %s: encryption requested on a plaintext link", ch)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	total := len(payload)
	if total <= w.fragment {
		return w.sendFrame(ch, flags|FlagFirst|FlagLast, 0, payload)
	}

	for off := 0; off < total; off += w.fragment {
		end := min(off+w.fragment, total)
		f := flags
		switch {
		case off == 0:
			f |= FlagFirst
		case end == total:
			f |= FlagLast
		}
		if err := w.sendFrame(ch, f, total, payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) sendFrame(ch ChannelID, flags Flags, total int, chunk []byte) error {
	body := chunk
	if flags.Encrypted() {
		rec, err := w.session.Encrypt(0, len(chunk), chunk)
		if err != nil {
			return fmt.Errorf("send on %s: %w", ch, err)
		}
		body = rec.Bytes()
	}

	h := Header{Channel: ch, Flags: flags, Length: len(body), Total: total}
	n := h.Encode(w.frame)
	n += copy(w.frame[n:], body)

	if logging.DebugEnabled() {
		logging.LogFrame("send", ch.String(), byte(flags), chunk)
	}
	if _, err := w.conn.Send(w.frame[:n], w.timeout); err != nil {
		return err
	}
	return nil
}
