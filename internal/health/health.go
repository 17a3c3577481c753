// Package health serves the broker's liveness and readiness endpoints.
//
//   - /healthz — liveness; a process that answers HTTP is alive. Reports the
//     live session count when one is wired.
//   - /readyz  — readiness; 200 only when every dependency check (speech
//     providers, media bridge, Kafka brokers) passes.
//
// Responses are JSON: a top-level "status", the session count, and a
// per-dependency breakdown with individual probe latencies.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one readiness probe.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when the dependency
// is healthy and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	// Name labels the check in the JSON response (e.g. "providers", "kafka").
	Name string

	// Check probes the dependency.
	Check func(ctx context.Context) error
}

// checkResult is the JSON detail for one dependency probe.
type checkResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// result is the JSON response body for both endpoints.
type result struct {
	Status   string                 `json:"status"`
	Sessions *int                   `json:"sessions,omitempty"`
	Checks   map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list is fixed at construction time.
type Handler struct {
	checkers []Checker
	sessions func() int
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SessionCount wires a live-session counter into both endpoints, normally
// the session directory's Len. Must be called before the handler serves.
func (h *Handler) SessionCount(fn func() int) {
	h.sessions = fn
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok", Sessions: h.sessionCount()})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Probes run concurrently, each under its own timeout, so
// one stalled dependency costs a single timeout rather than the sum.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			cr := checkResult{Status: "ok", DurationMs: time.Since(start).Milliseconds()}
			if err != nil {
				cr.Status = "fail"
				cr.Error = err.Error()
			}
			results[i] = cr
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Sessions: h.sessionCount()}
	status := http.StatusOK
	if len(h.checkers) > 0 {
		res.Checks = make(map[string]checkResult, len(h.checkers))
	}
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, res)
}

func (h *Handler) sessionCount() *int {
	if h.sessions == nil {
		return nil
	}
	n := h.sessions()
	return &n
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
