// Package buffer holds the memory primitives of the transport core: borrowed
// views into reusable buffers and a bounded buffer pool.
//
// # Views
//
// A View is an (offset, length, epoch) window into a buffer somebody else
// owns. Owners advance their Epoch before overwriting the storage; using a
// view afterwards panics instead of silently reading the next frame's bytes.
//
//	var epoch buffer.Epoch
//	epoch.Advance()
//	v := buffer.NewView(buf, 4, n, &epoch)
//	process(v.Bytes())
//
// # Pool
//
// Pool recycles fixed-size buffers for constrained targets. The recycling
// decision is an explicit Policy picked once at start-up:
//
//	pool := buffer.NewPool(buffer.PolicyPooled) // 5 x 1 MiB
//	b := pool.Acquire()
//	defer pool.Release(b)
//
// With PolicyFresh every Acquire allocates and Release is a no-op.
package buffer
