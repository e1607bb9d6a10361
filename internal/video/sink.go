package video

import (
	"fmt"
	"strings"
)

// Codec selects the elementary stream format handed to the decoder.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	default:
		return fmt.Sprintf("Codec(%d)", int(c))
	}
}

// ParseCodec accepts "h264"/"avc" and "h265"/"hevc" (case-insensitive).
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "avc", "":
		return CodecH264, nil
	case "h265", "hevc":
		return CodecH265, nil
	default:
		return CodecH264, fmt.Errorf("unknown video codec %q (want h264 or h265)", s)
	}
}

// DecodeOptions travel with every access unit.
type DecodeOptions struct {
	ForceSoftware bool
	Codec         Codec
}

// Sink consumes complete access units. Decode is synchronous: buf[off:off+n]
// is only valid for the duration of the call and must be copied if kept.
type Sink interface {
	Decode(buf []byte, off, n int, forceSoftware bool, codec Codec) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(buf []byte, off, n int, forceSoftware bool, codec Codec) error

func (f SinkFunc) Decode(buf []byte, off, n int, forceSoftware bool, codec Codec) error {
	return f(buf, off, n, forceSoftware, codec)
}
