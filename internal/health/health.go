// Package health serves the liveness and readiness probes.
//
//   - /healthz: the process can serve HTTP; always 200.
//   - /readyz: every critical dependency (database, object store) answers;
//     200 or 503. Non-critical checks such as the provider circuit breaker are
//     reported as "degraded" without failing readiness, because cached
//     narrations and quota reads keep working while the provider is down.
//
// Responses look like {"status":"ok","checks":{"database":"ok"}}.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each readiness check.
const checkTimeout = 5 * time.Second

// Response statuses.
const (
	statusOK       = "ok"
	statusFail     = "fail"
	statusDegraded = "degraded"
)

// Checker is a named dependency probe.
type Checker struct {
	// Name is the key under which the result is reported, e.g. "database".
	Name string

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error

	// Optional marks checks whose failure degrades the service without making
	// it unready.
	Optional bool
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: statusOK})
}

// Readyz runs all checkers concurrently, each under [checkTimeout], and
// answers 503 if any critical one fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: statusOK, Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK
	for i, c := range h.checkers {
		switch err := errs[i]; {
		case err == nil:
			res.Checks[c.Name] = statusOK
		case c.Optional:
			res.Checks[c.Name] = statusDegraded + ": " + err.Error()
			if res.Status == statusOK {
				res.Status = statusDegraded
			}
		default:
			res.Checks[c.Name] = statusFail + ": " + err.Error()
			res.Status = statusFail
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
