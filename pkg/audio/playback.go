package audio

import (
	"errors"
	"sync"
	"time"
)

// ErrOutputClosed is returned by [Scheduler.Enqueue] after Close.
var ErrOutputClosed = errors.New("audio: output closed")

// Voice is one scheduled buffer on an [Output].
type Voice interface {
	// Stop silences the voice immediately. Stopping an ended voice is a no-op.
	Stop()
}

// Output is a playback device with its own monotonic clock.
//
// Schedule queues buf to start at the device time at. onEnded is invoked
// exactly once when the voice finishes or is stopped; implementations must
// call it from a different goroutine than the one calling Schedule.
type Output interface {
	Now() time.Duration
	Schedule(buf Buffer, at time.Duration, onEnded func()) (Voice, error)
	Close() error
}

// PlaybackStatus is reported to the status handler of a [Scheduler].
type PlaybackStatus int

const (
	// PlaybackIdle is reported when the last active voice finished.
	PlaybackIdle PlaybackStatus = iota

	// PlaybackPlaying is reported when a voice is scheduled on an idle scheduler.
	PlaybackPlaying
)

// String implements [fmt.Stringer].
func (s PlaybackStatus) String() string {
	switch s {
	case PlaybackIdle:
		return "idle"
	case PlaybackPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithStatusHandler registers fn to receive playback status changes. fn is
// called without internal locks held and may call back into the scheduler.
func WithStatusHandler(fn func(PlaybackStatus)) SchedulerOption {
	return func(s *Scheduler) { s.onStatus = fn }
}

// Scheduler plays decoded buffers back-to-back without gaps.
//
// Each buffer starts at max(cursor, now) and advances the cursor by its
// duration, so consecutive chunks abut exactly while playback is ahead of
// the clock and start immediately when it has fallen behind.
type Scheduler struct {
	out      Output
	onStatus func(PlaybackStatus)

	mu     sync.Mutex
	cursor time.Duration
	nextID uint64
	active map[uint64]Voice
	closed bool
}

// NewScheduler returns a Scheduler over out with the cursor at out.Now().
func NewScheduler(out Output, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:    out,
		active: make(map[uint64]Voice),
	}
	for _, o := range opts {
		o(s)
	}
	s.cursor = out.Now()
	return s
}

// Enqueue schedules buf and returns the device time at which it starts.
// Empty buffers are ignored and return the current cursor.
func (s *Scheduler) Enqueue(buf Buffer) (time.Duration, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrOutputClosed
	}
	startAt := max(s.cursor, s.out.Now())
	if len(buf.Samples) == 0 {
		s.mu.Unlock()
		return startAt, nil
	}

	s.nextID++
	id := s.nextID
	v, err := s.out.Schedule(buf, startAt, func() { s.ended(id) })
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.active[id] = v
	s.cursor = startAt + buf.Duration()
	started := len(s.active) == 1
	s.mu.Unlock()

	if started {
		s.notify(PlaybackPlaying)
	}
	return startAt, nil
}

// Interrupt stops every active voice and resets the cursor to the device's
// current time. It does not report [PlaybackIdle]; the caller decides the
// resulting presence. Safe to call with nothing playing.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	voices := s.active
	s.active = make(map[uint64]Voice)
	if !s.closed {
		s.cursor = s.out.Now()
	}
	s.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
}

// Active returns the number of voices scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the device time at which the next buffer would start if the
// clock has not yet reached it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close interrupts playback and closes the output. Safe to call multiple times.
func (s *Scheduler) Close() error {
	s.Interrupt()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.out.Close()
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	idle := len(s.active) == 0
	s.mu.Unlock()

	if idle {
		s.notify(PlaybackIdle)
	}
}

func (s *Scheduler) notify(st PlaybackStatus) {
	if s.onStatus != nil {
		s.onStatus(st)
	}
}
