package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("gemini", "gemini", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("openai", "openai")
	return fg
}

func TestFallbackGroup_Order(t *testing.T) {
	t.Parallel()

	fg := newGroup()
	if got := strings.Join(fg.Names(), ","); got != "gemini,openai" {
		t.Fatalf("Names = %q", got)
	}

	tests := []struct {
		name    string
		failing map[string]bool
		want    string
	}{
		{name: "primary succeeds", want: "gemini"},
		{name: "primary fails", failing: map[string]bool{"gemini": true}, want: "openai"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ExecuteWithResult(context.Background(), newGroup(), func(_ context.Context, v string) (string, error) {
				if tt.failing[v] {
					return "", errTest
				}
				return v, nil
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	err := newGroup().Execute(context.Background(), func(context.Context, string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want it to wrap the entry errors", err)
	}
	if !strings.Contains(err.Error(), "gemini") || !strings.Contains(err.Error(), "openai") {
		t.Errorf("err = %q, want both entry names", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	fg := newGroup()
	for range 2 {
		_ = fg.Execute(context.Background(), func(_ context.Context, v string) error {
			if v == "gemini" {
				return errTest
			}
			return nil
		})
	}

	var calls []string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0] != "openai" {
		t.Errorf("calls = %v, want [openai]", calls)
	}
}

func TestFallbackGroup_CancelledContext(t *testing.T) {
	t.Parallel()

	fg := newGroup()
	ctx, cancel := context.WithCancel(context.Background())

	var calls int
	err := fg.Execute(ctx, func(ctx context.Context, _ string) error {
		calls++
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if st := fg.entries[0].breaker.State(); st != StateClosed {
		t.Errorf("primary breaker = %v, cancellation must not count as failure", st)
	}
}
