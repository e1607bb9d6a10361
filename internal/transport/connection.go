package transport

import (
	"context"
	"time"
)

// Connection is a byte-stream accessory link (USB accessory or Wi-Fi
// socket). Implementations must allow one Send and one Recv to run
// concurrently.
type Connection interface {
	// Connect establishes the link.
	Connect(ctx context.Context) error

	// Send writes buf within timeout. A timeout of zero or less blocks.
	Send(buf []byte, timeout time.Duration) (int, error)

	// Recv reads into buf within timeout. With readFully it only returns
	// early on error; otherwise it returns after the first read. A zero
	// length buf returns 0, nil.
	Recv(buf []byte, timeout time.Duration, readFully bool) (int, error)

	// IsConnected reports whether the link is usable.
	IsConnected() bool

	// Disconnect closes the link. It is safe to call more than once and
	// unblocks any pending Send or Recv.
	Disconnect() error
}
