package buffer

import (
	"fmt"
	"sync/atomic"
)

// Epoch is the lifetime token of a reusable buffer. The owner advances it
// every time the backing storage is about to be overwritten; views issued
// under an older generation become stale.
type Epoch struct {
	gen atomic.Uint64
}

// Advance invalidates every view issued so far and returns the new generation.
func (e *Epoch) Advance() uint64 {
	return e.gen.Add(1)
}

// Current returns the live generation.
func (e *Epoch) Current() uint64 {
	return e.gen.Load()
}

// View is a non-owning window [Offset, Offset+Length) into a caller-owned
// buffer. It is the zero-copy currency of the transport core: frames, plain
// text and cipher text are all passed around as views rather than copies.
type View struct {
	buf    []byte
	offset int
	length int

	epoch *Epoch
	gen   uint64
}

// NewView returns a view over buf[offset:offset+length] tied to epoch. A nil
// epoch yields a view that never goes stale.
func NewView(buf []byte, offset, length int, epoch *Epoch) View {
	if offset < 0 || length < 0 || offset+length > len(buf) {
		panic(fmt.Sprintf("buffer: view [%d:%d] out of range for buffer of %d bytes", offset, offset+length, len(buf)))
	}
	v := View{buf: buf, offset: offset, length: length, epoch: epoch}
	if epoch != nil {
		v.gen = epoch.Current()
	}
	return v
}

// Of wraps an entire slice in a view that never goes stale.
func Of(b []byte) View {
	return View{buf: b, length: len(b)}
}

// Offset is the start of the view within its backing buffer.
func (v View) Offset() int { return v.offset }

// Len is the number of bytes in the view.
func (v View) Len() int { return v.length }

// Backing returns the whole backing buffer.
func (v View) Backing() []byte { return v.buf }

// Valid reports whether the backing buffer still holds the bytes the view
// was issued for.
func (v View) Valid() bool {
	return v.epoch == nil || v.epoch.Current() == v.gen
}

// Bytes returns the viewed bytes without copying. It panics if the owner has
// reused the buffer since the view was issued.
func (v View) Bytes() []byte {
	if !v.Valid() {
		panic("buffer: view used after its buffer was reused")
	}
	return v.buf[v.offset : v.offset+v.length]
}

// At returns the byte at index i of the view.
func (v View) At(i int) byte {
	return v.Bytes()[i]
}

// Slice narrows the view to [from, to) relative to its own start.
func (v View) Slice(from, to int) View {
	if from < 0 || to < from || to > v.length {
		panic(fmt.Sprintf("buffer: slice [%d:%d] out of range for view of %d bytes", from, to, v.length))
	}
	v.offset += from
	v.length = to - from
	return v
}

// String renders the view bounds for logs.
func (v View) String() string {
	return fmt.Sprintf("View{off=%d, len=%d, cap=%d}", v.offset, v.length, len(v.buf))
}
