package app

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/telebridge/internal/bridge"
)

// CallRegistry tracks live calls. It implements [bridge.Observer] so the
// orchestrator reports every call start and end to it. All methods are safe
// for concurrent use.
type CallRegistry struct {
	mu     sync.Mutex
	live   map[string]bridge.CallSession
	idle   chan struct{} // closed while no call is live
	total  int
	failed int
}

var _ bridge.Observer = (*CallRegistry)(nil)

// NewCallRegistry returns an empty registry.
func NewCallRegistry() *CallRegistry {
	idle := make(chan struct{})
	close(idle)
	return &CallRegistry{live: make(map[string]bridge.CallSession), idle: idle}
}

// CallStarted records a new live call.
func (r *CallRegistry) CallStarted(cs bridge.CallSession) {
	r.mu.Lock()
	if len(r.live) == 0 {
		r.idle = make(chan struct{})
	}
	r.live[cs.ID] = cs
	r.total++
	n := len(r.live)
	r.mu.Unlock()

	slog.Info("call started", "session_id", cs.ID, "call_id", cs.CallID, "stream_id", cs.StreamID, "live_calls", n)
}

// CallEnded removes a call. Unknown ids are ignored. A stop from the
// telephony provider and a hang-up forced by shutdown both count as clean
// endings; anything else counts as a failed call.
func (r *CallRegistry) CallEnded(cs bridge.CallSession, err error) {
	failed := callFailed(err)

	r.mu.Lock()
	if _, ok := r.live[cs.ID]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.live, cs.ID)
	if failed {
		r.failed++
	}
	n := len(r.live)
	if n == 0 {
		close(r.idle)
	}
	r.mu.Unlock()

	attrs := []any{"session_id", cs.ID, "call_id", cs.CallID, "duration", time.Since(cs.CreatedAt).Round(time.Millisecond), "live_calls", n}
	switch {
	case failed:
		slog.Warn("call ended with error", append(attrs, "err", err, "kind", bridge.Classify(err).String())...)
	case errors.Is(err, context.Canceled):
		slog.Info("call cut off by shutdown", attrs...)
	default:
		slog.Info("call ended", attrs...)
	}
}

func callFailed(err error) bool {
	return err != nil && !errors.Is(err, bridge.ErrStopped) && !errors.Is(err, context.Canceled)
}

// Count returns the number of live calls.
func (r *CallRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Totals returns how many calls have started and how many ended with an error.
func (r *CallRegistry) Totals() (started, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total, r.failed
}

// Live returns the live calls ordered by start time.
func (r *CallRegistry) Live() []bridge.CallSession {
	r.mu.Lock()
	out := make([]bridge.CallSession, 0, len(r.live))
	for _, cs := range r.live {
		out = append(out, cs)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b bridge.CallSession) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Wait blocks until no call is live or ctx is done.
func (r *CallRegistry) Wait(ctx context.Context) error {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
