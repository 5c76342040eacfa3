package audio

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"testing"
)

// maxRoundTripError bounds |decode(encode(x)) - x|. The encoder scales
// non-negative samples by 32767 while the decoder always divides by 32768, so
// the error is half a quantisation step plus the scale mismatch |x|/32768.
const maxRoundTripError = 1.5 / 32768

func TestEncode_Scaling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"positive full scale", 1, 32767},
		{"negative full scale", -1, -32768},
		{"clamp above", 1.7, 32767},
		{"clamp below", -3, -32768},
		{"half positive", 0.5, 16384},
		{"half negative", -0.5, -16384},
		{"NaN", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := Encode([]float32{tt.in})
			if len(out) != 2 {
				t.Fatalf("len = %d, want 2", len(out))
			}
			got := int16(binary.LittleEndian.Uint16(out))
			if got != tt.want {
				t.Errorf("Encode(%v) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncode_LittleEndian(t *testing.T) {
	t.Parallel()

	out := Encode([]float32{-1})
	// -32768 = 0x8000 → LE bytes 0x00, 0x80.
	if out[0] != 0x00 || out[1] != 0x80 {
		t.Errorf("bytes = %#x %#x, want 0x00 0x80", out[0], out[1])
	}
}

func TestDecode_DividesBy32768(t *testing.T) {
	t.Parallel()

	data := make([]byte, 4)
	binary.LittleEndian.PutUint16(data[0:], uint16(16384))
	v := int16(-32768)
	binary.LittleEndian.PutUint16(data[2:], uint16(v))

	buf := Decode(data, PlaybackSampleRate, 1)
	if len(buf.Samples) != 2 {
		t.Fatalf("samples = %d, want 2", len(buf.Samples))
	}
	if buf.Samples[0] != 0.5 {
		t.Errorf("sample[0] = %v, want 0.5", buf.Samples[0])
	}
	if buf.Samples[1] != -1 {
		t.Errorf("sample[1] = %v, want -1", buf.Samples[1])
	}
	if buf.SampleRate != PlaybackSampleRate || buf.Channels != 1 {
		t.Errorf("format = %d/%d, want %d/1", buf.SampleRate, buf.Channels, PlaybackSampleRate)
	}
}

func TestDecode_OddLengthDropsTrailingByte(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 3, 5, 101} {
		data := make([]byte, n)
		for i := range data {
			data[i] = 0x7f
		}
		buf := Decode(data, PlaybackSampleRate, 1)
		if got, want := len(buf.Samples), n/2; got != want {
			t.Errorf("Decode(%d bytes) produced %d samples, want %d", n, got, want)
		}
	}
}

func TestDecode_OddLengthIgnoresTrailerValue(t *testing.T) {
	t.Parallel()

	even := Encode([]float32{0.25, -0.75})
	a := Decode(append(append([]byte{}, even...), 0x00), 16000, 1)
	b := Decode(append(append([]byte{}, even...), 0xff), 16000, 1)
	for i := range a.Samples {
		if a.Samples[i] != b.Samples[i] {
			t.Fatalf("sample %d differs with different trailers: %v vs %v", i, a.Samples[i], b.Samples[i])
		}
	}
}

func TestRoundTrip_WithinOneStep(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	samples := make([]float32, 10_000)
	for i := range samples {
		samples[i] = rng.Float32()*2 - 1
	}
	samples = append(samples, -1, 1, 0, 0.99999, -0.99999)

	buf := Decode(Encode(samples), CaptureSampleRate, 1)
	for i, want := range samples {
		if diff := math.Abs(float64(buf.Samples[i] - want)); diff > maxRoundTripError {
			t.Fatalf("sample %d: round trip %v → %v differs by %g", i, want, buf.Samples[i], diff)
		}
	}
}

func TestBuffer_Duration(t *testing.T) {
	t.Parallel()

	buf := Buffer{Samples: make([]float32, 24000), SampleRate: 24000, Channels: 1}
	if got := buf.Duration(); got.Seconds() != 1 {
		t.Errorf("Duration = %v, want 1s", got)
	}
	stereo := Buffer{Samples: make([]float32, 4800), SampleRate: 24000, Channels: 2}
	if got := stereo.Duration().Milliseconds(); got != 100 {
		t.Errorf("stereo Duration = %dms, want 100ms", got)
	}
	if got := (Buffer{}).Duration(); got != 0 {
		t.Errorf("zero Buffer Duration = %v, want 0", got)
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x01})
	f.Add([]byte{0x00, 0x80, 0xff})
	f.Fuzz(func(t *testing.T, data []byte) {
		buf := Decode(data, PlaybackSampleRate, 1)
		if len(buf.Samples) != len(data)/2 {
			t.Fatalf("samples = %d, want %d", len(buf.Samples), len(data)/2)
		}
		for _, s := range buf.Samples {
			if s < -1 || s >= 1 {
				t.Fatalf("sample %v outside [-1, 1)", s)
			}
		}
	})
}

func FuzzEncode(f *testing.F) {
	f.Add(float32(0))
	f.Add(float32(1))
	f.Add(float32(-1.5))
	f.Fuzz(func(t *testing.T, s float32) {
		out := Encode([]float32{s})
		if len(out) != 2 {
			t.Fatalf("len = %d, want 2", len(out))
		}
		if math.IsNaN(float64(s)) || math.IsInf(float64(s), 0) {
			return
		}
		back := Decode(out, CaptureSampleRate, 1).Samples[0]
		clamped := max(-1, min(1, s))
		if diff := math.Abs(float64(back - clamped)); diff > maxRoundTripError {
			t.Fatalf("round trip %v → %v differs by %g", s, back, diff)
		}
	})
}
