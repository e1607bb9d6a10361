package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/muurk/headunit/internal/version"
)

// ControlType is the u16 message type at the start of every control
// channel payload.
type ControlType uint16

const (
	ControlVersionRequest  ControlType = 1
	ControlVersionResponse ControlType = 2
	ControlHandshake       ControlType = 3
	ControlAuthComplete    ControlType = 4
)

// Protocol version spoken by this implementation.
const (
	VersionMajor = version.ProtocolMajor
	VersionMinor = version.ProtocolMinor
)

// VersionAccepted is the status of a successful version response.
const VersionAccepted = 0

// versionMismatch is returned to peers speaking another major version.
const versionMismatch = 0xFFFF

var authCompleteBody = []byte{0x08, 0x00}

func (t ControlType) String() string {
	switch t {
	case ControlVersionRequest:
		return "version_request"
	case ControlVersionResponse:
		return "version_response"
	case ControlHandshake:
		return "handshake"
	case ControlAuthComplete:
		return "auth_complete"
	default:
		return fmt.Sprintf("control(%d)", uint16(t))
	}
}

// EncodeControl builds a control payload.
func EncodeControl(t ControlType, body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(t))
	copy(out[2:], body)
	return out
}

// ParseControl splits a control payload into type and body. body aliases p.
func ParseControl(p []byte) (ControlType, []byte, error) {
	if len(p) < 2 {
		return 0, nil, fmt.Errorf("control message too short: %d bytes", len(p))
	}
	return ControlType(binary.BigEndian.Uint16(p)), p[2:], nil
}

// VersionRequest builds the opening control message.
func VersionRequest(major, minor uint16) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], major)
	binary.BigEndian.PutUint16(body[2:4], minor)
	return EncodeControl(ControlVersionRequest, body)
}

// ParseVersionRequest decodes a version request body.
func ParseVersionRequest(body []byte) (major, minor uint16, err error) {
	if len(body) < 4 {
		return 0, 0, fmt.Errorf("version request too short: %d bytes", len(body))
	}
	return binary.BigEndian.Uint16(body[0:2]), binary.BigEndian.Uint16(body[2:4]), nil
}

// VersionResponse builds the answer to a version request.
func VersionResponse(major, minor, status uint16) []byte {
	body := make([]byte, 6)
	binary.BigEndian.PutUint16(body[0:2], major)
	binary.BigEndian.PutUint16(body[2:4], minor)
	binary.BigEndian.PutUint16(body[4:6], status)
	return EncodeControl(ControlVersionResponse, body)
}

// ParseVersionResponse decodes a version response body.
func ParseVersionResponse(body []byte) (major, minor, status uint16, err error) {
	if len(body) < 6 {
		return 0, 0, 0, fmt.Errorf("version response too short: %d bytes", len(body))
	}
	return binary.BigEndian.Uint16(body[0:2]),
		binary.BigEndian.Uint16(body[2:4]),
		binary.BigEndian.Uint16(body[4:6]),
		nil
}

// AuthComplete builds the message that closes the handshake.
func AuthComplete() []byte {
	return EncodeControl(ControlAuthComplete, authCompleteBody)
}
