package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryConfig bounds how often one endpoint is retried before the next
// fallback is tried. A caller is waiting on the line, so keep it short.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first. Values
	// below 1 mean a single try.
	Attempts int

	// Backoff is the wait after the first failure. It doubles after each
	// further failure up to MaxBackoff. Default: 250ms.
	Backoff time.Duration

	// MaxBackoff caps the wait. Default: 2s.
	MaxBackoff time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.Backoff <= 0 {
		c.Backoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	return c
}

// Retry calls fn until it succeeds, the attempts are used up or ctx ends.
// [ErrCircuitOpen] and context errors are returned at once. The last error
// is returned when every attempt fails.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg = cfg.withDefaults()
	wait := cfg.Backoff

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || attempt >= cfg.Attempts || !retryable(err) {
			return err
		}
		slog.Debug("retrying after failure", "attempt", attempt, "backoff", wait, "err", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
		wait = min(wait*2, cfg.MaxBackoff)
	}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrCircuitOpen) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
