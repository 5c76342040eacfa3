package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default capture parameters.
const (
	DefaultBlockSize   = 1024
	DefaultOpenTimeout = 5 * time.Second
	DefaultFrameQueue  = 64
)

// SourceConfig describes the stream requested from a [Source].
type SourceConfig struct {
	// SampleRate in Hz. Backends resample to this rate when the device differs.
	SampleRate int

	// Channels requested. Capture always asks for mono.
	Channels int

	// BlockSize is the number of samples per Read the backend should aim for.
	BlockSize int
}

// Source acquires a microphone. Open may block while the platform asks the
// user for permission; implementations should honour ctx cancellation.
type Source interface {
	Open(ctx context.Context, cfg SourceConfig) (Stream, error)
}

// Stream is an open microphone. Read fills buf with mono float samples in
// [-1, 1] and returns the number written. Close releases the device and
// unblocks any pending Read.
type Stream interface {
	Read(buf []float32) (int, error)
	Close() error
}

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithBlockSize sets the number of samples per emitted frame.
func WithBlockSize(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithOpenTimeout bounds how long Start waits for the device. A permission
// prompt that is never answered fails after this duration.
func WithOpenTimeout(d time.Duration) CaptureOption {
	return func(c *Capture) {
		if d > 0 {
			c.openTimeout = d
		}
	}
}

// WithFrameQueue sets the capacity of the frame hand-off channel.
func WithFrameQueue(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.queue = n
		}
	}
}

// WithHeld starts the capture held: blocks are read from the device but
// discarded until [Capture.Release]. The device warms up while nothing
// stale accumulates for the consumer.
func WithHeld() CaptureOption {
	return func(c *Capture) { c.held = true }
}

// Capture turns a microphone [Stream] into a channel of encoded 16 kHz mono
// frames. Block processing runs on its own goroutine and never blocks on the
// consumer: when the channel is full the block is dropped and counted.
type Capture struct {
	src         Source
	blockSize   int
	openTimeout time.Duration
	queue       int

	frames    chan Frame
	dropped   atomic.Int64
	discarded atomic.Int64

	// mu guards detached and held and serialises frame hand-off against
	// Detach and Release, so no frame is delivered after Detach returns and
	// none captured while held is delivered after Release.
	mu       sync.Mutex
	detached bool
	held     bool
	stream   Stream
	started  bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewCapture returns a Capture that will read from src once started.
func NewCapture(src Source, opts ...CaptureOption) *Capture {
	c := &Capture{
		src:         src,
		blockSize:   DefaultBlockSize,
		openTimeout: DefaultOpenTimeout,
		queue:       DefaultFrameQueue,
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.frames = make(chan Frame, c.queue)
	return c
}

type openResult struct {
	stream Stream
	err    error
}

// Start acquires the device and begins block processing. Every failure is
// wrapped in [ErrNoMicrophone]. Start must be called at most once.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("%w: capture already started", ErrNoMicrophone)
	}
	c.started = true
	c.mu.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, c.openTimeout)
	defer cancel()

	cfg := SourceConfig{SampleRate: CaptureSampleRate, Channels: 1, BlockSize: c.blockSize}
	res := make(chan openResult, 1)
	go func() {
		s, err := c.src.Open(openCtx, cfg)
		res <- openResult{stream: s, err: err}
	}()

	var stream Stream
	select {
	case r := <-res:
		if r.err != nil {
			close(c.frames)
			return c.openError(r.err)
		}
		stream = r.stream
	case <-openCtx.Done():
		// The backend may still succeed later; release whatever it returns.
		go func() {
			if r := <-res; r.err == nil && r.stream != nil {
				_ = r.stream.Close()
			}
		}()
		close(c.frames)
		return c.openError(openCtx.Err())
	}

	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		_ = stream.Close()
		close(c.frames)
		return fmt.Errorf("%w: capture closed during start", ErrNoMicrophone)
	}
	c.stream = stream
	c.mu.Unlock()

	go c.run(stream)
	return nil
}

func (c *Capture) openError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("device not ready after %s: %w", c.openTimeout, ErrPermissionDenied)
	}
	return fmt.Errorf("%w: %w", ErrNoMicrophone, err)
}

// Frames returns the channel of encoded frames. It is closed when block
// processing stops because the device was closed or failed.
func (c *Capture) Frames() <-chan Frame { return c.frames }

// Dropped returns the number of blocks discarded because the consumer lagged.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

// Discarded returns the number of blocks read while the capture was held.
func (c *Capture) Discarded() int64 { return c.discarded.Load() }

// Release ends the hold set by [WithHeld] and empties the frame channel, so
// the consumer only sees blocks read after Release returns.
func (c *Capture) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = false
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
			c.discarded.Add(1)
		default:
			return
		}
	}
}

// Detach stops delivering frames. The device stays open until [Capture.Close].
// Safe to call multiple times and before Start.
func (c *Capture) Detach() {
	c.mu.Lock()
	c.detached = true
	c.mu.Unlock()
}

// Close detaches and releases the device. Safe to call multiple times.
func (c *Capture) Close() error {
	c.Detach()
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		s := c.stream
		c.stream = nil
		c.mu.Unlock()
		if s != nil {
			err = s.Close()
		}
	})
	return err
}

func (c *Capture) run(stream Stream) {
	defer close(c.frames)

	buf := make([]float32, c.blockSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 && !c.deliver(buf[:n]) {
			return
		}
		if err != nil {
			select {
			case <-c.done:
			default:
				slog.Warn("audio: capture stream ended", "err", err)
			}
			return
		}
	}
}

// deliver encodes one block into a fresh frame and offers it to the consumer.
// It reports false once the capture has been detached.
func (c *Capture) deliver(block []float32) bool {
	frame := EncodeFrame(block, CaptureSampleRate)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return false
	}
	if c.held {
		c.discarded.Add(1)
		return true
	}
	select {
	case c.frames <- frame:
	default:
		if c.dropped.Add(1)%100 == 1 {
			slog.Debug("audio: capture consumer lagging, dropping frames", "dropped", c.dropped.Load())
		}
	}
	return true
}
