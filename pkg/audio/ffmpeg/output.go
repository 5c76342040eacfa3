package ffmpeg

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/rehearsal/pkg/audio"
)

// writeAhead is how far before its start time a voice is handed to ffplay.
const writeAhead = 80 * time.Millisecond

// Output plays scheduled buffers through a long-running ffplay process.
type Output struct {
	path       string
	sampleRate int
	start      time.Time

	queue chan *voice
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	gen    uint64
	closed bool
}

var _ audio.Output = (*Output)(nil)

// PlaybackArgs returns the ffplay arguments for mono s16le at sampleRate.
func PlaybackArgs(sampleRate int) []string {
	return []string{
		"-nodisp", "-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", "1",
		"-i", "pipe:0",
	}
}

// NewOutput starts ffplay for 24 kHz playback.
func NewOutput(cfg Config) (*Output, error) {
	cfg = cfg.withDefaults()
	if _, err := exec.LookPath(cfg.FFplayPath); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found: %w", cfg.FFplayPath, audio.ErrDeviceUnavailable)
	}
	o := &Output{
		path:       cfg.FFplayPath,
		sampleRate: audio.PlaybackSampleRate,
		start:      time.Now(),
		queue:      make(chan *voice, 256),
		done:       make(chan struct{}),
	}
	if err := o.startLocked(); err != nil {
		return nil, err
	}
	o.wg.Add(1)
	go o.writeLoop()
	return o, nil
}

func (o *Output) startLocked() error {
	cmd := exec.Command(o.path, PlaybackArgs(o.sampleRate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ffmpeg: start ffplay: %w", err)
	}
	o.cmd, o.stdin = cmd, stdin
	return nil
}

func (o *Output) killLocked() {
	if o.stdin != nil {
		_ = o.stdin.Close()
	}
	if o.cmd != nil && o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
		_ = o.cmd.Wait()
	}
	o.cmd, o.stdin = nil, nil
}

// Now implements [audio.Output]. The clock is wall time since NewOutput.
func (o *Output) Now() time.Duration { return time.Since(o.start) }

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, audio.ErrOutputClosed
	}

	buf = audio.Conform(buf, o.sampleRate)
	v := &voice{
		out:     o,
		pcm:     audio.Encode(buf.Samples),
		at:      at,
		onEnded: onEnded,
	}
	v.timer = time.AfterFunc(at+buf.Duration()-o.Now(), v.finish)

	select {
	case o.queue <- v:
	default:
		v.timer.Stop()
		return nil, errors.New("ffmpeg: playback queue full")
	}
	return v, nil
}

func (o *Output) writeLoop() {
	defer o.wg.Done()
	for {
		var v *voice
		select {
		case <-o.done:
			return
		case v = <-o.queue:
		}

		if wait := v.at - writeAhead - o.Now(); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-o.done:
				t.Stop()
				return
			case <-t.C:
			}
		}
		o.write(v)
	}
}

func (o *Output) write(v *voice) {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if o.stdin == nil {
		if err := o.startLocked(); err != nil {
			slog.Warn("ffmpeg: restart ffplay failed", "err", err)
			return
		}
	}
	if _, err := o.stdin.Write(v.pcm); err != nil {
		slog.Warn("ffmpeg: write to ffplay failed", "err", err)
		o.killLocked()
		return
	}
	v.mu.Lock()
	v.written, v.gen = true, o.gen
	v.mu.Unlock()
}

// flush discards everything already handed to ffplay for generation gen.
// Stopping several voices of one generation restarts the process once.
func (o *Output) flush(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || gen != o.gen {
		return
	}
	o.gen++
	o.killLocked()
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	close(o.done)
	o.killLocked()
	o.mu.Unlock()
	o.wg.Wait()
	return nil
}

type voice struct {
	out     *Output
	pcm     []byte
	at      time.Duration
	timer   *time.Timer
	onEnded func()

	mu      sync.Mutex
	written bool
	gen     uint64
	stopped bool
	ended   bool
}

func (v *voice) Stop() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	v.stopped = true
	written, gen := v.written, v.gen
	v.mu.Unlock()

	v.timer.Stop()
	if written {
		v.out.flush(gen)
	}
	go v.finish()
}

func (v *voice) finish() {
	v.mu.Lock()
	if v.ended {
		v.mu.Unlock()
		return
	}
	v.ended = true
	v.mu.Unlock()
	if v.onEnded != nil {
		v.onEnded()
	}
}
