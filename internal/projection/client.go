package projection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/muurk/headunit/internal/buffer"
	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/protocol"
	"github.com/muurk/headunit/internal/secure"
	"github.com/muurk/headunit/internal/transport"
	"github.com/muurk/headunit/internal/video"
	"go.uber.org/zap"
)

const (
	DefaultReadTimeout      = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultHandshakeTimeout = 15 * time.Second

	// maxIntegrityFailures in a row ends the session. One is survivable.
	maxIntegrityFailures = 2
)

// Handler receives non-video messages for one channel. The message payload
// is only valid during the call.
type Handler func(msg protocol.Message) error

// Option configures a Client.
type Option func(*Client)

// WithTimeouts sets the per-operation read and write timeouts.
func WithTimeouts(read, write time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = read
		c.writeTimeout = write
	}
}

// WithHandshakeTimeout bounds Start.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithPool selects the buffer pool. Its policy is also the reassembler's
// buffer policy.
func WithPool(pool *buffer.Pool) Option {
	return func(c *Client) { c.pool = pool }
}

// WithDecodeOptions sets the initial decode options.
func WithDecodeOptions(o video.DecodeOptions) Option {
	return func(c *Client) { c.decode = o }
}

// WithHandler registers h for channel ch. A handler on ChannelVideo only
// sees messages the reassembler does not handle.
func WithHandler(ch protocol.ChannelID, h Handler) Option {
	return func(c *Client) { c.handlers[ch] = h }
}

// Stats counts what Run has seen.
type Stats struct {
	Messages  uint64
	Framing   uint64
	Integrity uint64
	Unhandled uint64
	Video     video.Stats
}

// Client drives one head-unit session over an accessory connection: link
// start-up, then a single reader loop that feeds video fragments to the
// reassembler and everything else to channel handlers.
type Client struct {
	conn    transport.Connection
	session *secure.Session
	pool    *buffer.Pool
	decode  video.DecodeOptions

	readTimeout      time.Duration
	writeTimeout     time.Duration
	handshakeTimeout time.Duration

	handlers map[protocol.ChannelID]Handler

	reader *protocol.Reader
	writer *protocol.Writer
	video  *video.Reassembler

	messages  atomic.Uint64
	framing   atomic.Uint64
	integrity atomic.Uint64
	unhandled atomic.Uint64

	closeOnce sync.Once
}

// NewClient creates a client that decodes video into sink.
func NewClient(conn transport.Connection, sink video.Sink, opts ...Option) *Client {
	c := &Client{
		conn:             conn,
		session:          secure.NewSession(secure.RoleClient),
		readTimeout:      DefaultReadTimeout,
		writeTimeout:     DefaultWriteTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		handlers:         make(map[protocol.ChannelID]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = buffer.NewPool(buffer.PolicyFresh)
	}

	c.reader = protocol.NewReader(conn, c.session,
		protocol.WithReadTimeout(c.readTimeout),
		protocol.WithReadPool(c.pool),
	)
	c.writer = protocol.NewWriter(conn, c.session, protocol.WithWriteTimeout(c.writeTimeout))
	c.video = video.NewReassembler(sink,
		video.WithBufferPolicy(c.pool.Policy(), c.pool),
		video.WithDecodeOptions(c.decode),
	)
	return c
}

// Start connects if needed and runs the link start-up.
func (c *Client) Start(ctx context.Context) error {
	if !c.conn.IsConnected() {
		if err := c.conn.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	if err := protocol.Handshake(hctx, c.reader, c.writer, c.session); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

// Run reads and dispatches messages until the link fails or ctx is done.
// Malformed frames and a single undecryptable record are skipped; a second
// consecutive integrity failure ends the session. Cancelling ctx closes the
// connection.
func (c *Client) Run(ctx context.Context) error {
	if !c.session.Established() {
		return fmt.Errorf("run: %w", secure.ErrState)
	}
	stop := context.AfterFunc(ctx, func() { c.conn.Disconnect() })
	defer stop()

	failures := 0
	for {
		msg, err := c.reader.Next()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFraming):
				c.framing.Add(1)
				continue
			case errors.Is(err, secure.ErrIntegrity):
				c.integrity.Add(1)
				failures++
				logging.Warn("Record failed integrity check",
					zap.String("channel", msg.Channel.String()),
					zap.Int("consecutive", failures),
				)
				if failures >= maxIntegrityFailures {
					return fmt.Errorf("session compromised after %d integrity failures: %w", failures, err)
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		failures = 0
		c.messages.Add(1)

		if err := c.dispatch(msg); err != nil {
			logging.Warn("Message handler failed",
				zap.String("channel", msg.Channel.String()),
				zap.Error(err),
			)
		}
	}
}

func (c *Client) dispatch(msg protocol.Message) error {
	if msg.Channel == protocol.ChannelVideo {
		res, err := c.video.Process(msg)
		if res != video.NotHandled {
			return err
		}
	}

	h, ok := c.handlers[msg.Channel]
	if !ok {
		c.unhandled.Add(1)
		logging.Debug("No handler for message",
			zap.String("channel", msg.Channel.String()),
			zap.String("flags", msg.Flags.String()),
			zap.Int("size", msg.Size()),
		)
		return nil
	}
	return h(msg)
}

// Send writes a message to the phone. Safe to call while Run is active.
func (c *Client) Send(ch protocol.ChannelID, flags protocol.Flags, payload []byte) error {
	return c.writer.Send(ch, flags, payload)
}

// SetDecodeOptions swaps the decode options used for the next access unit.
func (c *Client) SetDecodeOptions(o video.DecodeOptions) {
	c.video.SetDecodeOptions(o)
}

// Session exposes the secure session, mainly for its state.
func (c *Client) Session() *secure.Session { return c.session }

// Stats returns counters. Safe to call while Run is active.
func (c *Client) Stats() Stats {
	return Stats{
		Messages:  c.messages.Load(),
		Framing:   c.framing.Load(),
		Integrity: c.integrity.Load(),
		Unhandled: c.unhandled.Load(),
		Video:     c.video.Stats(),
	}
}

// Close tears the session down. Call after Run has returned.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.reader.Close()
		c.video.Close()
		_ = c.session.Close()
		err = c.conn.Disconnect()
	})
	return err
}
