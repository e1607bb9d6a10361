package video

import (
	"bytes"
	"encoding/binary"
)

// Media message types at the start of a video payload.
const (
	MediaData        = 0x0000
	MediaCodecConfig = 0x0001
)

// SplitAnnexB cuts an Annex-B elementary stream into NAL units. Every
// returned unit starts with a 4-byte start code; 3-byte start codes in the
// input are widened. Leading bytes before the first start code are skipped.
// Units alias data unless they had to be widened.
func SplitAnnexB(data []byte) [][]byte {
	var units [][]byte
	start, codeLen := nextStartCode(data, 0)
	for start >= 0 {
		next, nextLen := nextStartCode(data, start+codeLen)
		end := len(data)
		if next >= 0 {
			end = next
		}
		unit := data[start:end]
		if codeLen == 3 {
			unit = append([]byte{0}, unit...)
		}
		if len(unit) > len(startCode) {
			units = append(units, unit)
		}
		start, codeLen = next, nextLen
	}
	return units
}

// nextStartCode finds the next 00 00 01 or 00 00 00 01 at or after from.
func nextStartCode(data []byte, from int) (int, int) {
	for i := from; i+3 <= len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			return i, 3
		}
		if i+4 <= len(data) && data[i+2] == 0 && data[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}

// IsConfigUnit reports whether a NAL unit (with start code) carries
// parameter sets rather than picture data.
func IsConfigUnit(unit []byte, codec Codec) bool {
	if len(unit) <= len(startCode) || !bytes.HasPrefix(unit, startCode) {
		return false
	}
	header := unit[len(startCode)]
	switch codec {
	case CodecH265:
		t := (header >> 1) & 0x3f
		return t >= 32 && t <= 34 // VPS, SPS, PPS
	default:
		t := header & 0x1f
		return t == 7 || t == 8 // SPS, PPS
	}
}

// DataPayload frames a unit as timestamped media data. The start code lands
// at offset 10.
func DataPayload(timestampMicros uint64, unit []byte) []byte {
	out := make([]byte, timestampOffset+len(unit))
	binary.BigEndian.PutUint16(out[0:2], MediaData)
	binary.BigEndian.PutUint64(out[2:10], timestampMicros)
	copy(out[timestampOffset:], unit)
	return out
}

// ConfigPayload frames a codec configuration unit. The start code lands at
// offset 2.
func ConfigPayload(unit []byte) []byte {
	out := make([]byte, mediaOffset+len(unit))
	binary.BigEndian.PutUint16(out[0:2], MediaCodecConfig)
	copy(out[mediaOffset:], unit)
	return out
}
