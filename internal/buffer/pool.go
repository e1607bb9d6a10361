package buffer

import (
	"fmt"
	"strings"
	"sync"
)

const (
	// DefaultPoolSize is the number of idle buffers kept by a pooled Pool.
	DefaultPoolSize = 5

	// DefaultBufferSize is the capacity of every pooled buffer (one video frame).
	DefaultBufferSize = 1024 * 1024
)

// Policy selects how hot-path buffers are obtained. It is chosen once at
// start-up by the host application.
type Policy int

const (
	// PolicyFresh allocates on every acquisition and never recycles.
	PolicyFresh Policy = iota
	// PolicyPooled recycles buffers through a bounded free list, for
	// constrained heaps where allocation churn shows up as frame drops.
	PolicyPooled
)

// String returns the configuration spelling of the policy
func (p Policy) String() string {
	switch p {
	case PolicyFresh:
		return "fresh"
	case PolicyPooled:
		return "pooled"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "fresh" or "pooled" (case-insensitive).
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fresh", "":
		return PolicyFresh, nil
	case "pooled":
		return PolicyPooled, nil
	default:
		return PolicyFresh, fmt.Errorf("unknown buffer policy %q (want fresh or pooled)", s)
	}
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMaxIdle bounds the free list.
func WithMaxIdle(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.maxIdle = n
		}
	}
}

// WithBufferSize sets the capacity of every buffer handed out.
func WithBufferSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// Pool is a small bounded free list of fixed-capacity buffers.
//
// Acquire never blocks: it pops an idle buffer or allocates. Release never
// blocks either: buffers beyond the bound, or of a foreign capacity, are
// dropped for the garbage collector. Under PolicyFresh the free list is
// bypassed entirely. Pool is safe for concurrent use.
type Pool struct {
	policy  Policy
	size    int
	maxIdle int

	mu   sync.Mutex
	free [][]byte
}

// NewPool creates a pool for the given policy.
func NewPool(policy Policy, opts ...PoolOption) *Pool {
	p := &Pool{
		policy:  policy,
		size:    DefaultBufferSize,
		maxIdle: DefaultPoolSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the policy the pool was created with.
func (p *Pool) Policy() Policy { return p.policy }

// BufferSize returns the capacity of buffers handed out by Acquire.
func (p *Pool) BufferSize() int { return p.size }

// Acquire returns a buffer of BufferSize bytes. The caller owns it until
// Release; the pool never touches a buffer it has handed out.
func (p *Pool) Acquire() []byte {
	if p.policy != PolicyPooled {
		return make([]byte, p.size)
	}

	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return make([]byte, p.size)
	}
	b := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return b
}

// Release hands a buffer back. It reports whether the buffer was kept.
func (p *Pool) Release(b []byte) bool {
	if p.policy != PolicyPooled || cap(b) != p.size {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxIdle {
		return false
	}
	p.free = append(p.free, b[:p.size])
	return true
}

// Len returns the number of idle buffers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
