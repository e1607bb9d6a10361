package peer

import (
	"fmt"
	"os"

	"github.com/muurk/headunit/internal/video"
)

// Stream is an elementary stream cut into access units, ready to be sent.
type Stream struct {
	Codec video.Codec
	Units [][]byte
}

// LoadStream reads an Annex-B file (.h264/.h265 as written by ffmpeg or by
// the head unit's file sink).
func LoadStream(path string, codec video.Codec) (*Stream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	units := video.SplitAnnexB(data)
	if len(units) == 0 {
		return nil, fmt.Errorf("%s: no start codes found", path)
	}
	return &Stream{Codec: codec, Units: units}, nil
}

// payloads frames every unit as the phone would: parameter sets as codec
// config, everything else as timestamped media data.
func (s *Stream) payloads(start, stepMicros uint64) [][]byte {
	out := make([][]byte, len(s.Units))
	ts := start
	for i, u := range s.Units {
		if video.IsConfigUnit(u, s.Codec) {
			out[i] = video.ConfigPayload(u)
			continue
		}
		out[i] = video.DataPayload(ts, u)
		ts += stepMicros
	}
	return out
}
