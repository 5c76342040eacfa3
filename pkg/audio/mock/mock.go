// Package mock provides in-memory implementations of [audio.Source],
// [audio.Stream], [audio.Output] and [audio.Voice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can assert
// on counts and arguments, and expose exported fields that control results.
//
// Typical usage:
//
//	out := mock.NewOutput()
//	sched := audio.NewScheduler(out)
//	sched.Enqueue(buf)
//	out.Advance(buf.Duration()) // fires onEnded for finished voices
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/rehearsal/pkg/audio"
)

// ─── Source / Stream ─────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Block makes Open wait for ctx to be cancelled, simulating an unanswered
	// permission prompt.
	Block bool

	// StreamResult is returned by Open. A fresh [Stream] is created when nil.
	StreamResult *Stream

	// CallCountOpen records how many times Open was called.
	CallCountOpen int

	// LastConfig is the config passed to the most recent Open.
	LastConfig audio.SourceConfig
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, cfg audio.SourceConfig) (audio.Stream, error) {
	s.mu.Lock()
	s.CallCountOpen++
	s.LastConfig = cfg
	block, err := s.Block, s.OpenErr
	if s.StreamResult == nil {
		s.StreamResult = NewStream()
	}
	st := s.StreamResult
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Stream returns the stream handed out by Open, or nil before the first Open.
func (s *Source) Stream() *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CallCountOpen == 0 {
		return nil
	}
	return s.StreamResult
}

// Stream is a mock [audio.Stream] fed by [Stream.Push].
type Stream struct {
	blocks    chan []float32
	closed    chan struct{}
	closeOnce sync.Once

	mu sync.Mutex

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns an open Stream.
func NewStream() *Stream {
	return &Stream{
		blocks: make(chan []float32, 64),
		closed: make(chan struct{}),
	}
}

// Push queues one block for a future Read. It never blocks after Close.
func (s *Stream) Push(block []float32) {
	select {
	case s.blocks <- block:
	case <-s.closed:
	}
}

// Pending returns the number of pushed blocks not yet read.
func (s *Stream) Pending() int { return len(s.blocks) }

// Read implements [audio.Stream]. It blocks until a block is pushed or the
// stream is closed, in which case it returns [io.EOF].
func (s *Stream) Read(buf []float32) (int, error) {
	select {
	case b := <-s.blocks:
		return copy(buf, b), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// ─── Output / Voice ──────────────────────────────────────────────────────────

// Scheduled records one call to [Output.Schedule].
type Scheduled struct {
	Buffer audio.Buffer
	At     time.Duration
	Voice  *Voice
}

// Output is a mock [audio.Output] driven by a manual clock.
type Output struct {
	mu  sync.Mutex
	now time.Duration

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// Calls records every successful Schedule in order.
	Calls []Scheduled

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewOutput returns an Output whose clock starts at zero.
func NewOutput() *Output { return &Output{} }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock to d without ending any voices.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	o.now = d
	o.mu.Unlock()
}

// Advance moves the clock forward by d and ends every voice whose scheduled
// end is at or before the new time. Callbacks run without the lock held.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	var finished []*Voice
	for _, c := range o.Calls {
		if c.At+c.Buffer.Duration() <= now {
			finished = append(finished, c.Voice)
		}
	}
	o.mu.Unlock()

	for _, v := range finished {
		v.end()
	}
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	v := &Voice{onEnded: onEnded}
	o.Calls = append(o.Calls, Scheduled{Buffer: buf, At: at, Voice: v})
	return v, nil
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	return nil
}

// Scheduled returns a copy of the recorded Schedule calls.
func (o *Output) Scheduled() []Scheduled {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Scheduled, len(o.Calls))
	copy(out, o.Calls)
	return out
}

// Closed reports whether Close has been called at least once.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose > 0
}

// Voice is a mock [audio.Voice].
type Voice struct {
	mu      sync.Mutex
	onEnded func()
	ended   bool
	stopped bool
}

// Stop implements [audio.Voice]. The end callback fires synchronously.
func (v *Voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.end()
}

// Stopped reports whether Stop was called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (v *Voice) end() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	fn := v.onEnded
	v.mu.Unlock()
	if fn != nil {
		fn()
	}
}
