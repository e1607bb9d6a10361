package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming matches every *FramingError.
	ErrFraming = errors.New("malformed frame")

	// ErrUnexpectedMessage is returned by the handshake drivers when the
	// peer sends something out of order.
	ErrUnexpectedMessage = errors.New("unexpected message")

	// ErrVersionRejected means the peer refused our protocol version.
	ErrVersionRejected = errors.New("protocol version rejected")
)

// FramingError reports a frame that could not be delivered. The frame has
// been consumed in full; the next read starts on the following boundary.
type FramingError struct {
	Channel ChannelID
	Flags   Flags
	Length  int
	Reason  string
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed frame on %s (flags=%s, length=%d): %s", e.Channel, e.Flags, e.Length, e.Reason)
}

func (e *FramingError) Is(target error) bool { return target == ErrFraming }
