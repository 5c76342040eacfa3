// Package ffmpeg implements [audio.Source] and [audio.Output] by piping raw
// PCM through the ffmpeg and ffplay command-line tools.
//
// Capture runs ffmpeg against the platform's default input (avfoundation on
// macOS, PulseAudio on Linux) and reads s16le mono from its stdout. Playback
// writes s16le mono into ffplay's stdin on a wall clock. Interrupting audio
// that has already been handed to ffplay restarts the process, which is the
// only way to flush its internal buffer.
package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"

	"github.com/MrWong99/rehearsal/pkg/audio"
)

// Config selects the binaries and input device.
type Config struct {
	// FFmpegPath is the capture binary. Defaults to "ffmpeg".
	FFmpegPath string

	// FFplayPath is the playback binary. Defaults to "ffplay".
	FFplayPath string

	// InputFormat overrides the ffmpeg -f input demuxer (e.g. "alsa").
	InputFormat string

	// InputDevice overrides the ffmpeg -i device (e.g. ":1" or "hw:0").
	InputDevice string
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFplayPath == "" {
		c.FFplayPath = "ffplay"
	}
	return c
}

// Source captures from the default microphone through ffmpeg.
type Source struct {
	cfg Config
}

var _ audio.Source = (*Source)(nil)

// NewSource returns a Source using cfg.
func NewSource(cfg Config) *Source {
	return &Source{cfg: cfg.withDefaults()}
}

// CaptureArgs returns the ffmpeg arguments used to capture mono s16le at
// sampleRate on goos.
func CaptureArgs(goos string, cfg Config, sampleRate int) ([]string, error) {
	format, device := cfg.InputFormat, cfg.InputDevice
	if format == "" {
		switch goos {
		case "darwin":
			format = "avfoundation"
		case "linux":
			format = "pulse"
		default:
			return nil, fmt.Errorf("ffmpeg: no default input on %s; set input_format and input_device", goos)
		}
	}
	if device == "" {
		switch format {
		case "avfoundation":
			device = ":0"
		default:
			device = "default"
		}
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", format, "-i", device,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "s16le", "-",
	}, nil
}

// Open implements [audio.Source].
func (s *Source) Open(ctx context.Context, cfg audio.SourceConfig) (audio.Stream, error) {
	if _, err := exec.LookPath(s.cfg.FFmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg: %s not found: %w", s.cfg.FFmpegPath, audio.ErrDeviceUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	args, err := CaptureArgs(runtime.GOOS, s.cfg, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(s.cfg.FFmpegPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start capture: %w", err)
	}
	return &stream{cmd: cmd, stdout: stdout}, nil
}

type stream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	raw    []byte
}

// Read fills buf with one block of samples. It reads whole samples only.
func (s *stream) Read(buf []float32) (int, error) {
	need := len(buf) * 2
	if cap(s.raw) < need {
		s.raw = make([]byte, need)
	}
	n, err := io.ReadFull(s.stdout, s.raw[:need])
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	pcm := audio.Decode(s.raw[:n], audio.CaptureSampleRate, 1)
	return copy(buf, pcm.Samples), err
}

func (s *stream) Close() error {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	return nil
}
