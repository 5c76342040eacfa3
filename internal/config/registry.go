package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/rehearsal/internal/report"
	"github.com/MrWong99/rehearsal/pkg/audio"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: factory not registered")

// AudioDevices are the devices an audio backend provides to a session.
type AudioDevices struct {
	// Microphone is nil for a text-only backend.
	Microphone audio.Source

	// Speaker opens the playback device. Called once per session and once
	// per ringtone.
	Speaker func() (audio.Output, error)
}

// Registry maps names to constructors for report evaluators and audio
// backends. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[string]func(EvaluatorEntry) (report.Evaluator, error)
	audio      map[string]func(ClientConfig) (AudioDevices, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		evaluators: make(map[string]func(EvaluatorEntry) (report.Evaluator, error)),
		audio:      make(map[string]func(ClientConfig) (AudioDevices, error)),
	}
}

// RegisterEvaluator registers an evaluator factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterEvaluator(name string, factory func(EvaluatorEntry) (report.Evaluator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ClientConfig) (AudioDevices, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateEvaluator instantiates the evaluator registered under entry.Name.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateEvaluator(entry EvaluatorEntry) (report.Evaluator, error) {
	r.mu.RLock()
	factory, ok := r.evaluators[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: evaluator/%q", ErrNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateAudio instantiates the audio backend registered under cfg.Audio.
func (r *Registry) CreateAudio(cfg ClientConfig) (AudioDevices, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Audio]
	r.mu.RUnlock()
	if !ok {
		return AudioDevices{}, fmt.Errorf("%w: audio/%q", ErrNotRegistered, cfg.Audio)
	}
	return factory(cfg)
}

// Evaluators returns the registered evaluator names, sorted.
func (r *Registry) Evaluators() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.evaluators))
	for n := range r.evaluators {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
