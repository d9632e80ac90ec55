// Package resilience guards AI endpoint connects with circuit breakers and
// ordered failover.
//
// A [CircuitBreaker] stops hammering an endpoint that keeps refusing
// connections. A [FallbackGroup] puts one breaker in front of each configured
// endpoint and tries them in order, so a call that arrives while the primary
// is down still reaches an AI. Only connection setup is guarded: once a
// session is open it belongs to the call and is never migrated.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down ends.
	StateOpen

	// StateHalfOpen lets a limited number of probes through. A failed probe
	// re-opens the breaker; enough successful probes close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing. Default: 15s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close the
	// breaker again. Default: 1.
	Probes int

	// IsFailure decides whether an error counts against the endpoint. The
	// default ignores context cancellation, which means the caller hung up
	// rather than the endpoint misbehaving.
	IsFailure func(error) bool

	// OnStateChange, when set, is called after every transition. It runs
	// with the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int // half-open probes currently running
	successes int // half-open probes that succeeded
}

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = countsAsFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

func countsAsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Name returns the configured label.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn if the breaker admits it and records the outcome. A
// rejected call returns [ErrCircuitOpen] without running fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

// admit decides whether a call may run and whether it is a half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.inFlight, cb.successes = 0, 0
	}
	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		return false, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight+cb.successes >= cb.cfg.Probes {
			cb.mu.Unlock()
			cb.notify(changed, from, StateHalfOpen)
			return false, ErrCircuitOpen
		}
		cb.inFlight++
		probe = true
	}
	cb.mu.Unlock()
	cb.notify(changed, from, StateHalfOpen)
	return probe, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	failed := cb.cfg.IsFailure(err)

	cb.mu.Lock()
	from := cb.state
	if probe {
		cb.inFlight--
	}
	switch {
	case failed && (probe || cb.state == StateHalfOpen):
		cb.trip()
	case failed:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case probe:
		cb.successes++
		if cb.successes >= cb.cfg.Probes {
			cb.state = StateClosed
			cb.failures = 0
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	failures := cb.failures
	cb.mu.Unlock()

	if from != to {
		if to == StateOpen {
			slog.Warn("circuit breaker opened", "name", cb.cfg.Name, "from", from.String(), "consecutive_failures", failures, "err", err)
		} else {
			slog.Info("circuit breaker state changed", "name", cb.cfg.Name, "from", from.String(), "to", to.String())
		}
	}
	cb.notify(from != to, from, to)
}

// trip opens the breaker. Caller holds cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.successes = 0
}

func (cb *CircuitBreaker) notify(changed bool, from, to State) {
	if changed && cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the current [State]. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// [CircuitBreaker.Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures, cb.inFlight, cb.successes = 0, 0, 0
	cb.mu.Unlock()
	cb.notify(from != StateClosed, from, StateClosed)
}
