package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/rehearsal/internal/observe"
	"github.com/MrWong99/rehearsal/internal/resilience"
)

// ErrNoSynthesizer is returned by [Service.Preview] when no voice backend is
// configured.
var ErrNoSynthesizer = errors.New("report: no voice preview backend configured")

// ServiceOption is a functional option for [NewService].
type ServiceOption func(*Service)

// WithFallback appends a secondary evaluator tried when the earlier ones fail.
func WithFallback(name string, e Evaluator) ServiceOption {
	return func(s *Service) { s.fallbacks = append(s.fallbacks, namedEvaluator{name, e}) }
}

// WithSynthesizer enables voice previews.
func WithSynthesizer(tts Synthesizer) ServiceOption {
	return func(s *Service) { s.tts = tts }
}

// WithBreaker tunes the per-evaluator circuit breakers.
func WithBreaker(cfg resilience.CircuitBreakerConfig) ServiceOption {
	return func(s *Service) { s.breaker = cfg }
}

// WithServiceMetrics sets the metrics sink.
func WithServiceMetrics(m *observe.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.log = l }
}

type namedEvaluator struct {
	name string
	e    Evaluator
}

// Service generates reports and voice previews. Evaluators are tried in
// order; an evaluator whose answer does not parse counts as failed.
type Service struct {
	group     *resilience.FallbackGroup[namedEvaluator]
	fallbacks []namedEvaluator
	breaker   resilience.CircuitBreakerConfig
	tts       Synthesizer
	metrics   *observe.Metrics
	log       *slog.Logger
}

// NewService returns a Service whose primary evaluator is primary.
func NewService(name string, primary Evaluator, opts ...ServiceOption) *Service {
	s := &Service{}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.group = resilience.NewFallbackGroup(namedEvaluator{name, primary}, name,
		resilience.FallbackConfig{CircuitBreaker: s.breaker})
	for _, f := range s.fallbacks {
		s.group.AddFallback(f.name, f)
	}
	return s
}

// Evaluators returns the evaluator names in the order they are tried.
func (s *Service) Evaluators() []string { return s.group.Names() }

// Generate evaluates a finished session.
func (s *Service) Generate(ctx context.Context, in Input) (*EvaluationReport, error) {
	prompt := Prompt(in)
	return resilience.ExecuteWithResult(ctx, s.group, func(ctx context.Context, ne namedEvaluator) (*EvaluationReport, error) {
		start := time.Now()
		text, err := ne.e.Evaluate(ctx, prompt)
		s.metrics.RecordEvaluatorDuration(ctx, ne.name, time.Since(start).Seconds())
		if err != nil {
			s.log.Warn("report: evaluator failed", "evaluator", ne.name, "err", err)
			return nil, err
		}
		r, err := ParseReport(text)
		if err != nil {
			s.log.Warn("report: evaluator answer rejected", "evaluator", ne.name, "err", err)
			return nil, err
		}
		return r, nil
	})
}

// Preview synthesises [PreviewText] in voice. Nil audio means the model
// returned none.
func (s *Service) Preview(ctx context.Context, voice string) ([]byte, error) {
	if s.tts == nil {
		return nil, ErrNoSynthesizer
	}
	audio, err := s.tts.Synthesize(ctx, PreviewText(voice), voice)
	if err != nil {
		return nil, fmt.Errorf("report: preview %q: %w", voice, err)
	}
	return audio, nil
}
