package app_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/telebridge/internal/app"
	"github.com/MrWong99/telebridge/internal/bridge"
)

func TestCallRegistry_EndingCountsFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantFailed int
	}{
		{name: "no error", err: nil, wantFailed: 0},
		{name: "caller hung up", err: bridge.ErrStopped, wantFailed: 0},
		{name: "wrapped stop", err: fmt.Errorf("read call leg: %w", bridge.ErrStopped), wantFailed: 0},
		{name: "cut off by shutdown", err: context.Canceled, wantFailed: 0},
		{name: "AI connect failed", err: &bridge.TransportError{Leg: bridge.LegAI, Op: "connect", Err: errors.New("refused")}, wantFailed: 1},
		{name: "fatal upstream", err: &bridge.UpstreamError{Code: "invalid_api_key", Fatal: true}, wantFailed: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := app.NewCallRegistry()
			cs := bridge.CallSession{ID: "s1", CallID: "CA1", CreatedAt: time.Now()}
			r.CallStarted(cs)
			r.CallEnded(cs, tt.err)

			started, failed := r.Totals()
			if started != 1 || failed != tt.wantFailed {
				t.Errorf("totals = (%d, %d), want (1, %d)", started, failed, tt.wantFailed)
			}
			if n := r.Count(); n != 0 {
				t.Errorf("Count = %d after end, want 0", n)
			}
		})
	}
}

func TestCallRegistry_UnknownEndIgnored(t *testing.T) {
	t.Parallel()
	r := app.NewCallRegistry()
	r.CallEnded(bridge.CallSession{ID: "ghost"}, errors.New("boom"))
	if started, failed := r.Totals(); started != 0 || failed != 0 {
		t.Errorf("totals = (%d, %d), want (0, 0)", started, failed)
	}
}

func TestCallRegistry_LiveAndWait(t *testing.T) {
	t.Parallel()
	r := app.NewCallRegistry()
	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on empty registry: %v", err)
	}

	now := time.Now()
	second := bridge.CallSession{ID: "b", CreatedAt: now}
	first := bridge.CallSession{ID: "a", CreatedAt: now.Add(-time.Second)}
	r.CallStarted(second)
	r.CallStarted(first)

	live := r.Live()
	if len(live) != 2 || live[0].ID != "a" || live[1].ID != "b" {
		t.Fatalf("Live = %+v, want a then b", live)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait with live calls = %v, want deadline exceeded", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Wait(context.Background()) }()
	r.CallEnded(first, nil)
	r.CallEnded(second, bridge.ErrStopped)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the last call ended")
	}
}
