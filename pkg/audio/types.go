package audio

import (
	"errors"
	"time"
)

const (
	// CaptureSampleRate is the microphone rate expected by the upstream service.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of persona audio delivered by the upstream service.
	PlaybackSampleRate = 24000

	// CaptureMIMEType tags outbound frames on the wire.
	CaptureMIMEType = "audio/pcm;rate=16000"
)

var (
	// ErrPermissionDenied is returned by a [Source] when the platform refuses
	// access to the microphone.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrDeviceUnavailable is returned when no usable input or output device exists.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrNoMicrophone wraps every capture start failure. Callers treat it as a
	// signal to continue without audio input.
	ErrNoMicrophone = errors.New("audio: no microphone")
)

// Frame is a chunk of little-endian signed 16-bit PCM. Frames are transient:
// the producer hands ownership to the consumer and never touches Data again.
type Frame struct {
	// Data holds interleaved int16 LE samples.
	Data []byte

	// SampleRate in Hz (16000 for capture, 24000 for playback).
	SampleRate int

	// Channels is 1 for every stream in this system.
	Channels int
}

// Buffer is decoded, playable audio.
type Buffer struct {
	// Samples are interleaved values in [-1, 1].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback length of the buffer.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}
