package video

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/muurk/headunit/internal/buffer"
	"github.com/muurk/headunit/internal/protocol"
)

type decodeCall struct {
	data          []byte
	off           int
	backing       []byte
	forceSoftware bool
	codec         Codec
}

type recordingSink struct {
	calls []decodeCall
	err   error
}

func (s *recordingSink) Decode(buf []byte, off, n int, forceSoftware bool, codec Codec) error {
	s.calls = append(s.calls, decodeCall{
		data:          bytes.Clone(buf[off : off+n]),
		off:           off,
		backing:       buf,
		forceSoftware: forceSoftware,
		codec:         codec,
	})
	return s.err
}

func msg(flags protocol.Flags, payload []byte) protocol.Message {
	return protocol.NewMessage(protocol.ChannelVideo, flags, payload)
}

// timestamped builds a first/single payload with the start code at 10.
func timestamped(body []byte) []byte {
	return DataPayload(1234, append([]byte{0, 0, 0, 1}, body...))
}

// configured builds a first/single payload with the start code at 2.
func configured(body []byte) []byte {
	return ConfigPayload(append([]byte{0, 0, 0, 1}, body...))
}

func TestStartCodeOffset(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    int
	}{
		{"timestamp header", timestamped([]byte{0x65}), 10},
		{"media header", configured([]byte{0x67}), 2},
		{"both prefers 10", append([]byte{0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 1}, 0x65), 10},
		{"offset 10 needs more than 14 bytes", []byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 0, 0, 0, 1}, -1},
		{"offset 2 needs more than 6 bytes", []byte{9, 9, 0, 0, 0, 1}, -1},
		{"no start code", bytes.Repeat([]byte{7}, 32), -1},
		{"empty", nil, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StartCodeOffset(tt.payload); got != tt.want {
				t.Errorf("StartCodeOffset() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSingle_DecodesInPlace(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		off     int
	}{
		{"timestamp variant", timestamped([]byte{0x65, 1, 2, 3}), 10},
		{"media variant", configured([]byte{0x67, 4, 5}), 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			r := NewReassembler(sink)

			res, err := r.Process(msg(protocol.FlagsVideoSingle, tt.payload))
			if err != nil || res != Emitted {
				t.Fatalf("Process() = %v, %v; want emitted", res, err)
			}
			if len(sink.calls) != 1 {
				t.Fatalf("sink called %d times, want 1", len(sink.calls))
			}
			c := sink.calls[0]
			if c.off != tt.off {
				t.Errorf("decode offset = %d, want %d", c.off, tt.off)
			}
			if !bytes.Equal(c.data, tt.payload[tt.off:]) {
				t.Errorf("decoded % x, want % x", c.data, tt.payload[tt.off:])
			}
			if &c.backing[0] != &tt.payload[0] {
				t.Error("single fragment should be decoded from the message buffer, not a copy")
			}
			if r.State() != StateIdle || r.Pending() != 0 {
				t.Errorf("accumulator touched: state %s, pending %d", r.State(), r.Pending())
			}
		})
	}
}

func TestSingle_WithoutStartCodeLeavesUnitInProgress(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink)

	r.Process(msg(protocol.FlagsVideoFirst, timestamped([]byte{0x41, 1})))
	pending := r.Pending()

	res, err := r.Process(msg(protocol.FlagsVideoSingle, bytes.Repeat([]byte{5}, 20)))
	if err != nil || res != Dropped {
		t.Fatalf("Process() = %v, %v; want dropped", res, err)
	}
	if r.State() != StateAccumulating || r.Pending() != pending {
		t.Errorf("state %s pending %d, want accumulating %d", r.State(), r.Pending(), pending)
	}

	r.Process(msg(protocol.FlagsVideoLast, []byte{2, 3}))
	if len(sink.calls) != 1 {
		t.Fatalf("sink called %d times, want 1", len(sink.calls))
	}
	want := []byte{0, 0, 0, 1, 0x41, 1, 2, 3}
	if !bytes.Equal(sink.calls[0].data, want) {
		t.Errorf("unit = % x, want % x", sink.calls[0].data, want)
	}
}

func TestFragments_EmitConcatenation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for iter := 0; iter < 50; iter++ {
		for _, policy := range []buffer.Policy{buffer.PolicyFresh, buffer.PolicyPooled} {
			sink := &recordingSink{}
			pool := buffer.NewPool(policy, buffer.WithBufferSize(64))
			r := NewReassembler(sink, WithBufferPolicy(policy, pool))

			var first []byte
			if rng.Intn(2) == 0 {
				first = timestamped(randomBytes(rng, 1+rng.Intn(40)))
			} else {
				first = configured(randomBytes(rng, 1+rng.Intn(40)))
			}
			want := append([]byte(nil), first[StartCodeOffset(first):]...)

			if res, _ := r.Process(msg(protocol.FlagsVideoFirst, first)); res != Accepted {
				t.Fatalf("first: %v, want accepted", res)
			}
			for i := rng.Intn(5); i > 0; i-- {
				mid := randomBytes(rng, 1+rng.Intn(100))
				want = append(want, mid...)
				if res, _ := r.Process(msg(protocol.FlagsVideoMiddle, mid)); res != Accepted {
					t.Fatalf("middle: %v, want accepted", res)
				}
			}
			last := randomBytes(rng, 1+rng.Intn(100))
			want = append(want, last...)

			res, err := r.Process(msg(protocol.FlagsVideoLast, last))
			if err != nil || res != Emitted {
				t.Fatalf("last: %v, %v; want emitted", res, err)
			}
			if len(sink.calls) != 1 {
				t.Fatalf("%s: sink called %d times, want 1", policy, len(sink.calls))
			}
			if !bytes.Equal(sink.calls[0].data, want) {
				t.Fatalf("%s: unit differs from fragment concatenation", policy)
			}
			if r.State() != StateDone || r.Pending() != 0 {
				t.Errorf("after emit: state %s pending %d", r.State(), r.Pending())
			}
		}
	}
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}

func TestFirst_WithoutStartCodeAbandonsUnit(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink)

	r.Process(msg(protocol.FlagsVideoFirst, timestamped([]byte{1})))
	res, _ := r.Process(msg(protocol.FlagsVideoFirst, bytes.Repeat([]byte{9}, 30)))
	if res != Dropped {
		t.Fatalf("Process() = %v, want dropped", res)
	}
	if r.State() != StateIdle || r.Pending() != 0 {
		t.Errorf("state %s pending %d, want idle and empty", r.State(), r.Pending())
	}

	if res, _ := r.Process(msg(protocol.FlagsVideoMiddle, []byte{1})); res != Dropped {
		t.Errorf("orphan middle = %v, want dropped", res)
	}
	if res, _ := r.Process(msg(protocol.FlagsVideoLast, []byte{1})); res != Dropped {
		t.Errorf("orphan last = %v, want dropped", res)
	}
	if len(sink.calls) != 0 {
		t.Errorf("sink called %d times, want 0", len(sink.calls))
	}
	if got := r.Stats().Dropped; got != 3 {
		t.Errorf("Stats().Dropped = %d, want 3", got)
	}
}

func TestFirst_RestartsUnfinishedUnit(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink)

	r.Process(msg(protocol.FlagsVideoFirst, timestamped([]byte{0xAA})))
	r.Process(msg(protocol.FlagsVideoMiddle, []byte{0xBB}))
	r.Process(msg(protocol.FlagsVideoFirst, configured([]byte{0xCC})))
	r.Process(msg(protocol.FlagsVideoLast, []byte{0xDD}))

	want := []byte{0, 0, 0, 1, 0xCC, 0xDD}
	if len(sink.calls) != 1 || !bytes.Equal(sink.calls[0].data, want) {
		t.Errorf("emitted %v, want one unit % x", sink.calls, want)
	}
}

func TestProcess_OtherFlagsNotHandled(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink)

	for _, f := range []protocol.Flags{0, protocol.FlagFirst | protocol.FlagLast, protocol.FlagControl, 0x0f} {
		if res, err := r.Process(msg(f, timestamped(nil))); res != NotHandled || err != nil {
			t.Errorf("Process(flags %d) = %v, %v; want not_handled", f, res, err)
		}
	}
	if len(sink.calls) != 0 || r.Stats().Dropped != 0 {
		t.Error("unhandled flags must not reach the sink or count as drops")
	}
}

func TestDecodeOptions_HotSwap(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink, WithDecodeOptions(DecodeOptions{Codec: CodecH264}))

	r.Process(msg(protocol.FlagsVideoSingle, timestamped([]byte{1})))
	r.SetDecodeOptions(DecodeOptions{ForceSoftware: true, Codec: CodecH265})
	r.Process(msg(protocol.FlagsVideoSingle, timestamped([]byte{2})))

	if sink.calls[0].forceSoftware || sink.calls[0].codec != CodecH264 {
		t.Errorf("first unit options = %v/%v", sink.calls[0].forceSoftware, sink.calls[0].codec)
	}
	if !sink.calls[1].forceSoftware || sink.calls[1].codec != CodecH265 {
		t.Errorf("second unit options = %v/%v", sink.calls[1].forceSoftware, sink.calls[1].codec)
	}
}

func TestPooledPolicy_ScratchGrowsNeverShrinks(t *testing.T) {
	sink := &recordingSink{}
	pool := buffer.NewPool(buffer.PolicyPooled, buffer.WithBufferSize(16))
	r := NewReassembler(sink, WithBufferPolicy(buffer.PolicyPooled, pool))

	emit := func(extra int) {
		r.Process(msg(protocol.FlagsVideoFirst, timestamped([]byte{0x65})))
		r.Process(msg(protocol.FlagsVideoLast, make([]byte, extra)))
	}

	emit(4) // 9 bytes, fits the pool buffer
	if got := len(sink.calls[0].backing); got != 16 {
		t.Errorf("first scratch len = %d, want pool buffer 16", got)
	}

	emit(100) // 105 bytes
	grown := len(sink.calls[1].backing)
	if grown != 105+scratchSlack {
		t.Errorf("grown scratch len = %d, want %d", grown, 105+scratchSlack)
	}

	emit(1)
	if got := len(sink.calls[2].backing); got != grown {
		t.Errorf("scratch shrank to %d, want %d", got, grown)
	}
	if &sink.calls[2].backing[0] != &sink.calls[1].backing[0] {
		t.Error("pooled policy should reuse the scratch buffer")
	}
}

func TestFreshPolicy_PassesAccumulator(t *testing.T) {
	sink := &recordingSink{}
	r := NewReassembler(sink)

	r.Process(msg(protocol.FlagsVideoFirst, timestamped([]byte{1})))
	r.Process(msg(protocol.FlagsVideoLast, []byte{2}))

	if &sink.calls[0].backing[0] != &r.acc[:1][0] {
		t.Error("fresh policy should hand the accumulator backing to the sink")
	}
}

func TestSinkError(t *testing.T) {
	boom := errors.New("decoder gone")
	sink := &recordingSink{err: boom}
	r := NewReassembler(sink)

	r.Process(msg(protocol.FlagsVideoFirst, timestamped([]byte{1})))
	res, err := r.Process(msg(protocol.FlagsVideoLast, []byte{2}))
	if res != Emitted || !errors.Is(err, boom) {
		t.Errorf("Process() = %v, %v; want emitted with sink error", res, err)
	}
	if r.Pending() != 0 {
		t.Error("accumulator should be reset even when the sink fails")
	}
}

func TestSplitAnnexB(t *testing.T) {
	stream := []byte{
		0xff, // garbage before the first start code
		0, 0, 0, 1, 0x67, 1, 2,
		0, 0, 1, 0x68, 3,
		0, 0, 0, 1, 0x65, 4, 5, 6,
	}
	units := SplitAnnexB(stream)
	want := [][]byte{
		{0, 0, 0, 1, 0x67, 1, 2},
		{0, 0, 0, 1, 0x68, 3},
		{0, 0, 0, 1, 0x65, 4, 5, 6},
	}
	if len(units) != len(want) {
		t.Fatalf("SplitAnnexB() = %d units, want %d", len(units), len(want))
	}
	for i := range want {
		if !bytes.Equal(units[i], want[i]) {
			t.Errorf("unit %d = % x, want % x", i, units[i], want[i])
		}
	}

	if !IsConfigUnit(units[0], CodecH264) || !IsConfigUnit(units[1], CodecH264) {
		t.Error("SPS/PPS should be config units")
	}
	if IsConfigUnit(units[2], CodecH264) {
		t.Error("IDR slice is not a config unit")
	}
	if !IsConfigUnit([]byte{0, 0, 0, 1, 0x42, 0x01}, CodecH265) {
		t.Error("H.265 SPS should be a config unit")
	}
}

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    Codec
		wantErr bool
	}{
		{"h264", CodecH264, false},
		{"HEVC", CodecH265, false},
		{"h265", CodecH265, false},
		{"vp9", CodecH264, true},
	}
	for _, tt := range tests {
		got, err := ParseCodec(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCodec(%q) = %v, %v", tt.in, got, err)
		}
	}
}
