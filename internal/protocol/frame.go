package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/muurk/headunit/internal/buffer"
)

// Frame layout constants
const (
	HeaderSize = 4 // channel, flags, u16 payload length
	TotalSize  = 4 // u32 total length, present on first-of-many fragments

	// MaxFramePayload is the largest payload a u16 length can announce.
	MaxFramePayload = 0xFFFF

	// MaxFragmentSize is the plaintext size above which the Writer splits a
	// message into fragments.
	MaxFragmentSize = 16 * 1024

	// DefaultBufferLength is the nominal size of one inbound message.
	// Encrypt output and wire buffers are sized with an 8x margin over it.
	DefaultBufferLength = 131080
)

// ChannelID identifies a logical channel multiplexed over the link.
type ChannelID uint8

const (
	ChannelControl ChannelID = iota
	ChannelSensor
	ChannelVideo
	ChannelInput
	ChannelAudio1
	ChannelAudio2
	ChannelAudio
	ChannelMicrophone
	ChannelBluetooth
	ChannelMediaPlayback
	ChannelNavigation
	ChannelNotification
	ChannelPhoneStatus
)

var channelNames = [...]string{
	ChannelControl:       "control",
	ChannelSensor:        "sensor",
	ChannelVideo:         "video",
	ChannelInput:         "input",
	ChannelAudio1:        "audio1",
	ChannelAudio2:        "audio2",
	ChannelAudio:         "audio",
	ChannelMicrophone:    "microphone",
	ChannelBluetooth:     "bluetooth",
	ChannelMediaPlayback: "media_playback",
	ChannelNavigation:    "navigation",
	ChannelNotification:  "notification",
	ChannelPhoneStatus:   "phone_status",
}

func (c ChannelID) String() string {
	if int(c) < len(channelNames) {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// Flags is the second header byte.
type Flags uint8

const (
	FlagFirst     Flags = 0x01
	FlagLast      Flags = 0x02
	FlagControl   Flags = 0x04
	FlagEncrypted Flags = 0x08

	knownFlags = FlagFirst | FlagLast | FlagControl | FlagEncrypted
	positional = FlagFirst | FlagLast
)

// Video fragmentation flags as they appear on the wire.
const (
	FlagsVideoMiddle = FlagEncrypted
	FlagsVideoFirst  = FlagEncrypted | FlagFirst
	FlagsVideoLast   = FlagEncrypted | FlagLast
	FlagsVideoSingle = FlagEncrypted | FlagFirst | FlagLast
)

func (f Flags) First() bool     { return f&FlagFirst != 0 }
func (f Flags) Last() bool      { return f&FlagLast != 0 }
func (f Flags) Control() bool   { return f&FlagControl != 0 }
func (f Flags) Encrypted() bool { return f&FlagEncrypted != 0 }

// HasTotal reports whether a u32 total length follows the header.
func (f Flags) HasTotal() bool { return f.First() && !f.Last() }

func (f Flags) String() string {
	if f == 0 {
		return "MIDDLE"
	}
	var parts []string
	if f.First() {
		parts = append(parts, "FIRST")
	}
	if f.Last() {
		parts = append(parts, "LAST")
	}
	if f.Control() {
		parts = append(parts, "CTRL")
	}
	if f.Encrypted() {
		parts = append(parts, "ENC")
	}
	if rest := f &^ knownFlags; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%02x", uint8(rest)))
	}
	return strings.Join(parts, "|")
}

// Header is a decoded frame header.
type Header struct {
	Channel ChannelID
	Flags   Flags
	Length  int // payload bytes on the wire
	Total   int // announced message length, only when Flags.HasTotal()
}

// Size returns the encoded header size.
func (h Header) Size() int {
	if h.Flags.HasTotal() {
		return HeaderSize + TotalSize
	}
	return HeaderSize
}

// Encode writes the header into dst and returns the bytes written.
func (h Header) Encode(dst []byte) int {
	dst[0] = byte(h.Channel)
	dst[1] = byte(h.Flags)
	binary.BigEndian.PutUint16(dst[2:4], uint16(h.Length))
	if h.Flags.HasTotal() {
		binary.BigEndian.PutUint32(dst[4:8], uint32(h.Total))
		return HeaderSize + TotalSize
	}
	return HeaderSize
}

// ParseHeader decodes a frame header. b must hold at least HeaderSize
// bytes, plus TotalSize when the flags announce a total.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("header too short: %d bytes", len(b))
	}
	h := parseBase(b)
	if h.Flags.HasTotal() {
		if len(b) < HeaderSize+TotalSize {
			return h, fmt.Errorf("header too short for total length: %d bytes", len(b))
		}
		h.Total = parseTotal(b[HeaderSize:])
	}
	return h, nil
}

// parseBase decodes the fixed part of a header; b holds HeaderSize bytes.
func parseBase(b []byte) Header {
	return Header{
		Channel: ChannelID(b[0]),
		Flags:   Flags(b[1]),
		Length:  int(binary.BigEndian.Uint16(b[2:4])),
	}
}

func parseTotal(b []byte) int {
	return int(binary.BigEndian.Uint32(b[:TotalSize]))
}

// Message is one channel message as delivered by the Reader. Payload
// aliases the reader's buffer and is valid only until the next Next call.
type Message struct {
	Channel ChannelID
	Flags   Flags
	Payload buffer.View
	Total   int
}

// NewMessage wraps a standalone payload, mostly for tests and local
// producers.
func NewMessage(ch ChannelID, flags Flags, payload []byte) Message {
	return Message{Channel: ch, Flags: flags, Payload: buffer.Of(payload)}
}

// Size is the payload length.
func (m Message) Size() int { return m.Payload.Len() }

// Bytes returns the payload bytes.
func (m Message) Bytes() []byte { return m.Payload.Bytes() }

func (m Message) String() string {
	return fmt.Sprintf("Message{channel=%s, flags=%s, size=%d}", m.Channel, m.Flags, m.Size())
}
