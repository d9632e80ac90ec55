// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP. /readyz answers 200
// only when every registered [Checker] passes and the server is not draining;
// a draining server keeps its live calls but should receive no new ones.
//
// Both endpoints reply with a JSON object carrying a "status" field ("ok",
// "fail" or "draining") and, for /readyz, a "checks" map of per-check results.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// Checker is a named readiness check. Check returns nil when healthy and must
// honour ctx cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Calls  *int              `json:"active_calls,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
	calls    func() int
}

// Option configures a [Handler].
type Option func(*Handler)

// WithActiveCalls reports the number of live calls in /readyz responses.
func WithActiveCalls(fn func() int) Option {
	return func(h *Handler) { h.calls = fn }
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{checkers: append([]Checker(nil), checkers...)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetDraining marks the server as draining. While draining, /readyz fails
// regardless of the checkers.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Draining reports whether [Handler.SetDraining] was last called with true.
func (h *Handler) Draining() bool { return h.draining.Load() }

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently and returns 200 only if all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok"}
	if h.calls != nil {
		n := h.calls()
		res.Calls = &n
	}
	if h.draining.Load() {
		res.Status = "draining"
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}

	outcomes := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			outcomes[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	status := http.StatusOK
	res.Checks = make(map[string]string, len(h.checkers))
	for i, c := range h.checkers {
		if err := outcomes[i]; err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}
