// Package mock provides in-memory report backends for unit tests.
package mock

import (
	"context"
	"sync"
)

// Evaluator returns a canned answer and records prompts.
type Evaluator struct {
	mu sync.Mutex

	// Answer is returned by Evaluate.
	Answer string

	// Err is returned by Evaluate when non-nil.
	Err error

	prompts []string
}

// Evaluate implements report.Evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, prompt string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prompts = append(e.prompts, prompt)
	if e.Err != nil {
		return "", e.Err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.Answer, nil
}

// Prompts returns the recorded prompts in order.
func (e *Evaluator) Prompts() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.prompts...)
}

// Synthesizer returns canned audio and records requests.
type Synthesizer struct {
	mu sync.Mutex

	// Audio is returned by Synthesize.
	Audio []byte

	// Err is returned by Synthesize when non-nil.
	Err error

	// Calls records the text and voice of every call.
	Calls []SynthesizeCall
}

// SynthesizeCall records one Synthesize call.
type SynthesizeCall struct {
	Text  string
	Voice string
}

// Synthesize implements report.Synthesizer.
func (s *Synthesizer) Synthesize(_ context.Context, text, voice string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, SynthesizeCall{Text: text, Voice: voice})
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Audio, nil
}
