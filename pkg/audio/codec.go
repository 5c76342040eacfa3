package audio

import (
	"encoding/binary"
	"math"
)

// Encode converts float samples to little-endian int16 PCM.
//
// Each sample is clamped to [-1, 1]. Negative values are scaled by 32768 and
// non-negative values by 32767 so that neither end of the range overflows.
func Encode(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(quantize(s)))
	}
	return out
}

// Decode converts little-endian int16 PCM into a playable [Buffer]. Every
// sample is divided by 32768. An odd trailing byte is ignored, so exactly
// len(data)/2 samples are produced.
func Decode(data []byte, sampleRate, channels int) Buffer {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768
	}
	return Buffer{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

// EncodeFrame encodes samples captured at sampleRate into a mono [Frame].
func EncodeFrame(samples []float32, sampleRate int) Frame {
	return Frame{Data: Encode(samples), SampleRate: sampleRate, Channels: 1}
}

// DecodeFrame decodes f using its own format tags.
func DecodeFrame(f Frame) Buffer {
	return Decode(f.Data, f.SampleRate, f.Channels)
}

func quantize(s float32) int16 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(math.Round(float64(s) * 32768))
	}
	return int16(math.Round(float64(s) * 32767))
}
