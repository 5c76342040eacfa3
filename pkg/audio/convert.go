package audio

// Conform returns buf as mono at rate. A buffer already in that format is
// returned unchanged without copying. Multi-channel input is averaged down
// first so only one channel is resampled.
func Conform(buf Buffer, rate int) Buffer {
	if buf.Channels > 1 {
		buf = ToMono(buf)
	}
	if buf.Channels <= 0 {
		buf.Channels = 1
	}
	return Resample(buf, rate)
}

// ToMono averages the interleaved channels of buf per frame.
func ToMono(buf Buffer) Buffer {
	if buf.Channels <= 1 {
		return buf
	}
	frames := buf.Frames()
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range buf.Channels {
			sum += buf.Samples[i*buf.Channels+ch]
		}
		out[i] = sum / float32(buf.Channels)
	}
	return Buffer{Samples: out, SampleRate: buf.SampleRate, Channels: 1}
}

// Resample converts mono buf to rate using linear interpolation. Invalid
// rates and equal rates return buf unchanged.
func Resample(buf Buffer, rate int) Buffer {
	if buf.SampleRate <= 0 || rate <= 0 || buf.SampleRate == rate || len(buf.Samples) == 0 {
		return buf
	}
	src := buf.Samples
	n := int(int64(len(src)) * int64(rate) / int64(buf.SampleRate))
	out := make([]float32, n)
	ratio := float64(buf.SampleRate) / float64(rate)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return Buffer{Samples: out, SampleRate: rate, Channels: 1}
}

// ResampledStream adapts a mono [Stream] running at a device rate to the
// rate requested in [SourceConfig]. Converted samples that do not fit the
// caller's buffer are kept for the next Read.
type ResampledStream struct {
	src      Stream
	from, to int
	block    []float32
	pending  []float32
}

// NewResampledStream wraps src, which delivers mono samples at from Hz, so
// reads return samples at to Hz. blockSize sizes the device reads.
func NewResampledStream(src Stream, from, to, blockSize int) Stream {
	if from == to || from <= 0 || to <= 0 {
		return src
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &ResampledStream{
		src:   src,
		from:  from,
		to:    to,
		block: make([]float32, blockSize*from/to+1),
	}
}

// Read implements [Stream].
func (r *ResampledStream) Read(buf []float32) (int, error) {
	for len(r.pending) == 0 {
		n, err := r.src.Read(r.block)
		if n > 0 {
			in := Buffer{Samples: r.block[:n], SampleRate: r.from, Channels: 1}
			r.pending = Resample(in, r.to).Samples
		}
		if err != nil {
			if len(r.pending) > 0 {
				break
			}
			return 0, err
		}
	}
	n := copy(buf, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// Close implements [Stream].
func (r *ResampledStream) Close() error { return r.src.Close() }
