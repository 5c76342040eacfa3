package ffmpeg

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/rehearsal/pkg/audio"
)

func TestCaptureArgs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		goos       string
		cfg        Config
		wantFormat string
		wantDevice string
		wantErr    bool
	}{
		{name: "darwin default", goos: "darwin", wantFormat: "avfoundation", wantDevice: ":0"},
		{name: "linux default", goos: "linux", wantFormat: "pulse", wantDevice: "default"},
		{name: "linux alsa override", goos: "linux", cfg: Config{InputFormat: "alsa", InputDevice: "hw:1"}, wantFormat: "alsa", wantDevice: "hw:1"},
		{name: "windows without override", goos: "windows", wantErr: true},
		{name: "windows with override", goos: "windows", cfg: Config{InputFormat: "dshow", InputDevice: "audio=Mic"}, wantFormat: "dshow", wantDevice: "audio=Mic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			args, err := CaptureArgs(tt.goos, tt.cfg, audio.CaptureSampleRate)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			i := slices.Index(args, "-f")
			if i < 0 || args[i+1] != tt.wantFormat {
				t.Errorf("input format in %v, want %q", args, tt.wantFormat)
			}
			j := slices.Index(args, "-i")
			if j < 0 || args[j+1] != tt.wantDevice {
				t.Errorf("input device in %v, want %q", args, tt.wantDevice)
			}
			k := slices.Index(args, "-ar")
			if k < 0 || args[k+1] != "16000" {
				t.Errorf("sample rate in %v, want 16000", args)
			}
			if args[len(args)-1] != "-" || args[len(args)-2] != "s16le" {
				t.Errorf("output must be s16le on stdout, got %v", args)
			}
		})
	}
}

func TestPlaybackArgs(t *testing.T) {
	t.Parallel()

	args := PlaybackArgs(audio.PlaybackSampleRate)
	i := slices.Index(args, "-ar")
	if i < 0 || args[i+1] != "24000" {
		t.Errorf("rate in %v, want 24000", args)
	}
	if args[len(args)-1] != "pipe:0" {
		t.Errorf("input must be stdin, got %v", args)
	}
}

func TestMissingBinary(t *testing.T) {
	t.Parallel()

	cfg := Config{FFmpegPath: "rehearsal-no-such-ffmpeg", FFplayPath: "rehearsal-no-such-ffplay"}

	if _, err := NewSource(cfg).Open(context.Background(), audio.SourceConfig{SampleRate: 16000, Channels: 1}); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("Open err = %v, want ErrDeviceUnavailable", err)
	}
	if _, err := NewOutput(cfg); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("NewOutput err = %v, want ErrDeviceUnavailable", err)
	}
}
