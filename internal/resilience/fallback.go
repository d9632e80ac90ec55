package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or is
// rejected by its breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the template for the breaker created per entry. The
// entry name overrides CircuitBreaker.Name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Retry applies to each entry before moving on to the next one. Every
	// attempt is recorded by the entry's breaker.
	Retry RetryConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and optional fallbacks of the same type, each
// behind its own [CircuitBreaker]. Entries are tried in registration order.
// Register all entries before first use.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Primary returns the first entry's value.
func (fg *FallbackGroup[T]) Primary() T { return fg.entries[0].value }

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// States reports each entry's breaker state keyed by entry name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for i := range fg.entries {
		out[fg.entries[i].name] = fg.entries[i].breaker.State()
	}
	return out
}

// Execute runs fn against each entry until one succeeds. It stops early when
// ctx is done.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, _, err := ExecuteWithResult(ctx, fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult runs fn against each entry until one succeeds and returns
// its result along with the name of the entry that produced it. When every
// entry fails the error wraps [ErrAllFailed] and the last failure.
func ExecuteWithResult[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		entry := &fg.entries[i]
		var result R
		err := Retry(ctx, fg.cfg.Retry, func() error {
			return entry.breaker.Execute(func() error {
				var innerErr error
				result, innerErr = fn(entry.value)
				return innerErr
			})
		})
		if err == nil {
			if i > 0 {
				slog.Info("served by fallback provider", "provider", entry.name, "position", i)
			}
			return result, entry.name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
			continue
		}
		if ctx.Err() != nil {
			return zero, "", err
		}
		slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
