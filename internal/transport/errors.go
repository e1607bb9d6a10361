package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind represents the category of a transport failure
type ErrorKind int

const (
	// KindTimeout: the operation did not complete within its timeout. The
	// connection is still usable.
	KindTimeout ErrorKind = iota
	// KindClosed: the peer closed the link or it was disconnected locally.
	KindClosed
	// KindIO: any other I/O failure.
	KindIO
)

// String returns a human-readable name for the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindClosed:
		return "closed"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels matched by errors.Is against *Error of the same kind.
var (
	ErrTimeout = errors.New("transport timeout")
	ErrClosed  = errors.New("transport closed")
)

// Error is returned by Connection operations. N is the number of bytes
// transferred before the failure.
type Error struct {
	Kind ErrorKind
	Op   string // "connect", "send" or "recv"
	Addr string
	N    int
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Op, e.Kind)
	if e.Addr != "" {
		msg += " (" + e.Addr + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrTimeout and ErrClosed by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrClosed:
		return e.Kind == KindClosed
	}
	return false
}

// IsTimeout reports whether err is a transport timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsClosed reports whether err means the link is gone.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }

// Classify maps a raw network error to a transport Error.
func Classify(op, addr string, n int, err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	kind := KindIO
	switch {
	case os.IsTimeout(err):
		kind = KindTimeout
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED):
		kind = KindClosed
	}

	return &Error{Kind: kind, Op: op, Addr: addr, N: n, Err: err}
}
