package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/clovoice/internal/observe"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind labels the provider family ("stt", "tts", "llm") in metrics.
	Kind string

	// Metrics, when set, counts every attempt per entry.
	Metrics *observe.Metrics
}

// fallbackEntry pairs a provider value with its dedicated circuit breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. When the primary fails (or its circuit breaker is open), the
// next healthy fallback is tried in registration order.
//
// Entries must be registered before the group is shared between goroutines;
// Execute is safe for concurrent use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
// Additional fallbacks are registered via [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Execute tries fn against each entry in order until one succeeds.
// Circuit-breaker-open entries are skipped. Returns [ErrAllFailed] wrapped with
// the last error if every entry fails.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning both the result value and error. This is a package-level function
// because Go does not support method-level type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	return executeFrom(fg, "", fn)
}

// executeFrom is ExecuteWithResult with the entry named first moved to the
// front. An unknown or empty name keeps the registration order.
func executeFrom[T any, R any](fg *FallbackGroup[T], first string, fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for _, i := range fg.order(first) {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			fg.record(entry.name, "ok")
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			fg.record(entry.name, "skipped")
			slog.Debug("resilience: skipping provider (circuit open)", "kind", fg.cfg.Kind, "provider", entry.name)
			continue
		}
		fg.record(entry.name, "error")
		slog.Warn("resilience: provider failed, trying next",
			"kind", fg.cfg.Kind, "provider", entry.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) order(first string) []int {
	idx := make([]int, 0, len(fg.entries))
	for i, e := range fg.entries {
		if e.name == first {
			idx = append(idx, i)
		}
	}
	for i, e := range fg.entries {
		if e.name != first {
			idx = append(idx, i)
		}
	}
	return idx
}

func (fg *FallbackGroup[T]) record(name, status string) {
	m := fg.cfg.Metrics
	if m == nil {
		return
	}
	ctx := context.Background()
	m.RecordProviderRequest(ctx, name, fg.cfg.Kind, status)
	if status == "error" {
		m.RecordProviderError(ctx, name, fg.cfg.Kind)
	}
}
