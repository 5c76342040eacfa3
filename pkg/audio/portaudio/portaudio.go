// Package portaudio implements [audio.Source] and [audio.Output] on the
// system's default devices through PortAudio.
//
// The output keeps its own sample clock: Now is the number of frames handed
// to the device divided by the sample rate, so scheduled start times are exact
// to the sample.
package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/rehearsal/pkg/audio"
)

// outputBlock is the number of frames written to the device per iteration.
const outputBlock = 480

// Source opens the default input device.
type Source struct{}

var _ audio.Source = Source{}

// Open implements [audio.Source].
func (Source) Open(ctx context.Context, cfg audio.SourceConfig) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	block := cfg.BlockSize
	if block <= 0 {
		block = audio.DefaultBlockSize
	}
	// Many devices refuse 16 kHz; capture at the device rate and convert.
	rate := cfg.SampleRate
	if dev, err := pa.DefaultInputDevice(); err == nil && dev.DefaultSampleRate > 0 {
		rate = int(dev.DefaultSampleRate)
	}
	buf := make([]float32, block)
	st, err := pa.OpenDefaultStream(1, 0, float64(rate), len(buf), buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open input: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}
	if rate != cfg.SampleRate {
		slog.Debug("portaudio: converting capture rate", "device_rate", rate, "rate", cfg.SampleRate)
	}
	return audio.NewResampledStream(&inputStream{stream: st, buf: buf}, rate, cfg.SampleRate, block), nil
}

type inputStream struct {
	// mu serialises Read against Close; PortAudio streams are not safe to
	// stop while a blocking read is in flight.
	mu     sync.Mutex
	stream *pa.Stream
	buf    []float32
	closed bool
}

func (s *inputStream) Read(buf []float32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, audio.ErrDeviceUnavailable
	}
	if err := s.stream.Read(); err != nil {
		return 0, fmt.Errorf("portaudio: read: %w", err)
	}
	return copy(buf, s.buf), nil
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if stopErr := s.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := s.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	_ = pa.Terminate()
	return err
}

// Output plays scheduled voices on the default output device.
type Output struct {
	stream *pa.Stream
	buf    []float32
	rate   int

	mu       sync.Mutex
	position int64
	voices   []*voice

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

var _ audio.Output = (*Output)(nil)

// NewOutput opens the default output device at 24 kHz mono.
func NewOutput() (*Output, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	o := &Output{
		buf:  make([]float32, outputBlock),
		rate: audio.PlaybackSampleRate,
		done: make(chan struct{}),
	}
	st, err := pa.OpenDefaultStream(0, 1, float64(o.rate), len(o.buf), o.buf)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: open output: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := st.Start(); err != nil {
		_ = st.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	o.stream = st
	o.wg.Add(1)
	go o.run()
	return o, nil
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return framesToDuration(o.position, o.rate)
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	select {
	case <-o.done:
		return nil, audio.ErrOutputClosed
	default:
	}
	buf = audio.Conform(buf, o.rate)
	v := &voice{
		out:     o,
		samples: buf.Samples,
		start:   durationToFrames(at, o.rate),
		onEnded: onEnded,
	}
	o.mu.Lock()
	o.voices = append(o.voices, v)
	o.mu.Unlock()
	return v, nil
}

// Close implements [audio.Output]. Pending voices are ended.
func (o *Output) Close() error {
	var err error
	o.once.Do(func() {
		close(o.done)
		o.wg.Wait()
		if stopErr := o.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := o.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		_ = pa.Terminate()

		o.mu.Lock()
		pending := o.voices
		o.voices = nil
		o.mu.Unlock()
		for _, v := range pending {
			go v.end()
		}
	})
	return err
}

func (o *Output) run() {
	defer o.wg.Done()
	for {
		select {
		case <-o.done:
			return
		default:
		}

		o.mu.Lock()
		var finished []*voice
		o.voices, finished = mix(o.buf, o.position, o.voices)
		o.position += int64(len(o.buf))
		o.mu.Unlock()

		for _, v := range finished {
			go v.end()
		}
		if err := o.stream.Write(); err != nil {
			slog.Warn("portaudio: write failed", "err", err)
		}
	}
}

func (o *Output) remove(v *voice) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, cur := range o.voices {
		if cur == v {
			o.voices = append(o.voices[:i], o.voices[i+1:]...)
			return
		}
	}
}

// mix renders every voice overlapping [pos, pos+len(dst)) into dst and returns
// the voices still pending plus those that finished within this block.
func mix(dst []float32, pos int64, voices []*voice) (pending, finished []*voice) {
	clear(dst)
	end := pos + int64(len(dst))
	pending = voices[:0]
	for _, v := range voices {
		vEnd := v.start + int64(len(v.samples))
		lo := max(pos, v.start)
		hi := min(end, vEnd)
		for p := lo; p < hi; p++ {
			dst[p-pos] += v.samples[p-v.start]
		}
		if vEnd <= end {
			finished = append(finished, v)
			continue
		}
		pending = append(pending, v)
	}
	for i, s := range dst {
		dst[i] = max(-1, min(1, s))
	}
	return pending, finished
}

func durationToFrames(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

func framesToDuration(n int64, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}

type voice struct {
	out     *Output
	samples []float32
	start   int64
	onEnded func()

	once sync.Once
}

func (v *voice) Stop() {
	v.out.remove(v)
	v.end()
}

func (v *voice) end() {
	v.once.Do(func() {
		if v.onEnded != nil {
			v.onEnded()
		}
	})
}
