package video

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/muurk/headunit/internal/buffer"
	"github.com/muurk/headunit/internal/logging"
	"github.com/muurk/headunit/internal/protocol"
	"go.uber.org/zap"
)

// Start code probe positions within a first/single fragment payload.
const (
	timestampOffset = 10 // u16 media type + u64 timestamp
	mediaOffset     = 2  // u16 media type
)

// scratchSlack is added when the pooled scratch buffer has to grow.
const scratchSlack = 1024

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// StartCodeOffset returns where the elementary stream starts in a first or
// single fragment payload: 10 for the timestamp header, 2 for the media
// header, or -1 when neither carries a start code.
func StartCodeOffset(p []byte) int {
	if len(p) > timestampOffset+len(startCode) && bytes.Equal(p[timestampOffset:timestampOffset+len(startCode)], startCode) {
		return timestampOffset
	}
	if len(p) > mediaOffset+len(startCode) && bytes.Equal(p[mediaOffset:mediaOffset+len(startCode)], startCode) {
		return mediaOffset
	}
	return -1
}

// Result is the outcome of processing one message.
type Result int

const (
	// NotHandled: the flags are not video fragmentation flags.
	NotHandled Result = iota
	// Accepted: the fragment was added to the access unit in progress.
	Accepted
	// Emitted: a complete access unit went to the sink.
	Emitted
	// Dropped: the message was malformed or out of sequence.
	Dropped
)

func (r Result) String() string {
	switch r {
	case NotHandled:
		return "not_handled"
	case Accepted:
		return "accepted"
	case Emitted:
		return "emitted"
	case Dropped:
		return "dropped"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// State is the fragmentation state of the stream.
type State int

const (
	// StateIdle: no access unit in progress.
	StateIdle State = iota
	// StateAccumulating: a first fragment was seen, waiting for the last.
	StateAccumulating
	// StateDone: the last access unit was emitted.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Stats counts reassembler outcomes.
type Stats struct {
	Emitted uint64
	Dropped uint64
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithBufferPolicy selects how emitted units are handed to the sink. With
// PolicyPooled the unit is copied into a scratch buffer taken from pool.
func WithBufferPolicy(policy buffer.Policy, pool *buffer.Pool) Option {
	return func(r *Reassembler) {
		r.policy = policy
		r.pool = pool
	}
}

// WithDecodeOptions sets the initial decode options.
func WithDecodeOptions(o DecodeOptions) Option {
	return func(r *Reassembler) { r.opts.Store(&o) }
}

// Reassembler rebuilds video access units from fragments. Process must be
// called from one goroutine; SetDecodeOptions may be called from any.
type Reassembler struct {
	sink   Sink
	policy buffer.Policy
	pool   *buffer.Pool
	opts   atomic.Pointer[DecodeOptions]

	state   State
	acc     []byte
	scratch []byte

	emitted atomic.Uint64
	dropped atomic.Uint64
}

// NewReassembler creates a reassembler feeding sink.
func NewReassembler(sink Sink, opts ...Option) *Reassembler {
	r := &Reassembler{
		sink: sink,
		acc:  make([]byte, 0, protocol.DefaultBufferLength*8),
	}
	r.opts.Store(&DecodeOptions{})
	for _, opt := range opts {
		opt(r)
	}
	if r.policy == buffer.PolicyPooled && r.pool == nil {
		r.pool = buffer.NewPool(buffer.PolicyPooled)
	}
	return r
}

// SetDecodeOptions replaces the options used for subsequent emissions.
func (r *Reassembler) SetDecodeOptions(o DecodeOptions) { r.opts.Store(&o) }

// DecodeOptions returns the current decode options.
func (r *Reassembler) DecodeOptions() DecodeOptions { return *r.opts.Load() }

// State returns the fragmentation state.
func (r *Reassembler) State() State { return r.state }

// Pending returns the number of bytes accumulated for the unit in progress.
func (r *Reassembler) Pending() int { return len(r.acc) }

// Stats returns emission counters.
func (r *Reassembler) Stats() Stats {
	return Stats{Emitted: r.emitted.Load(), Dropped: r.dropped.Load()}
}

// Process feeds one message. The error is non-nil only when the sink
// rejected an access unit.
func (r *Reassembler) Process(msg protocol.Message) (Result, error) {
	switch msg.Flags {
	case protocol.FlagsVideoSingle:
		return r.single(msg)
	case protocol.FlagsVideoFirst:
		return r.first(msg), nil
	case protocol.FlagsVideoMiddle:
		return r.middle(msg), nil
	case protocol.FlagsVideoLast:
		return r.last(msg)
	default:
		return NotHandled, nil
	}
}

// single decodes in place. The accumulator is not touched, so a unit in
// progress survives a stray single.
func (r *Reassembler) single(msg protocol.Message) (Result, error) {
	p := msg.Bytes()
	off := StartCodeOffset(p)
	if off < 0 {
		r.drop("single fragment without start code", msg)
		return Dropped, nil
	}

	o := r.DecodeOptions()
	r.emitted.Add(1)
	if err := r.sink.Decode(msg.Payload.Backing(), msg.Payload.Offset()+off, len(p)-off, o.ForceSoftware, o.Codec); err != nil {
		return Emitted, fmt.Errorf("decode single unit: %w", err)
	}
	return Emitted, nil
}

func (r *Reassembler) first(msg protocol.Message) Result {
	p := msg.Bytes()
	off := StartCodeOffset(p)
	if off < 0 {
		// The unit in progress is abandoned too: the 8/10 fragments that
		// follow belong to this headless unit and are dropped as strays
		// instead of being appended to the previous one.
		r.acc = r.acc[:0]
		r.state = StateIdle
		r.drop("first fragment without start code", msg)
		return Dropped
	}

	if r.state == StateAccumulating {
		logging.Debug("Abandoning unfinished access unit",
			zap.Int("pending_bytes", len(r.acc)),
		)
	}
	r.acc = append(r.acc[:0], p[off:]...)
	r.state = StateAccumulating
	return Accepted
}

func (r *Reassembler) middle(msg protocol.Message) Result {
	if r.state != StateAccumulating {
		r.drop("continuation without first fragment", msg)
		return Dropped
	}
	r.acc = append(r.acc, msg.Bytes()...)
	return Accepted
}

func (r *Reassembler) last(msg protocol.Message) (Result, error) {
	if r.state != StateAccumulating {
		r.drop("last fragment without first fragment", msg)
		return Dropped, nil
	}
	r.acc = append(r.acc, msg.Bytes()...)

	err := r.emit()
	r.acc = r.acc[:0]
	r.state = StateDone
	if err != nil {
		return Emitted, fmt.Errorf("decode assembled unit: %w", err)
	}
	return Emitted, nil
}

func (r *Reassembler) emit() error {
	o := r.DecodeOptions()
	n := len(r.acc)
	r.emitted.Add(1)

	if r.policy != buffer.PolicyPooled {
		return r.sink.Decode(r.acc, 0, n, o.ForceSoftware, o.Codec)
	}

	if r.scratch == nil {
		r.scratch = r.pool.Acquire()
	}
	if len(r.scratch) < n {
		r.pool.Release(r.scratch)
		r.scratch = make([]byte, n+scratchSlack)
	}
	copy(r.scratch, r.acc)
	return r.sink.Decode(r.scratch, 0, n, o.ForceSoftware, o.Codec)
}

func (r *Reassembler) drop(reason string, msg protocol.Message) {
	r.dropped.Add(1)
	logging.Warn("Dropping video message",
		zap.String("reason", reason),
		zap.String("flags", msg.Flags.String()),
		zap.Int("size", msg.Size()),
		zap.String("state", r.state.String()),
	)
}

// Reset abandons any unit in progress.
func (r *Reassembler) Reset() {
	r.acc = r.acc[:0]
	r.state = StateIdle
}

// Close returns the scratch buffer to the pool.
func (r *Reassembler) Close() {
	r.Reset()
	if r.scratch != nil && r.pool != nil {
		r.pool.Release(r.scratch)
	}
	r.scratch = nil
}
