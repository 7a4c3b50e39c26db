// Package health provides the liveness and readiness endpoints of the
// barge-in daemon.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every [Checker] passes. [SessionCheck]
//     fails while the session is stopped, has fallen back to the disabled
//     tier, or reports critical health.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding each checker's result.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MrWong99/bargein/internal/monitor"
	"github.com/MrWong99/bargein/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Status is the part of a session readiness depends on.
// [*session.Session] implements it.
type Status interface {
	Running() bool
	Mode() resilience.Mode
	Snapshot() (monitor.Snapshot, bool)
}

var (
	// ErrNotRunning is reported while the session is not started.
	ErrNotRunning = errors.New("session not running")

	// ErrDisabled is reported while the fallback tier is disabled.
	ErrDisabled = errors.New("barge-in disabled by fallback")

	// ErrCritical is reported while the latest snapshot is critical.
	ErrCritical = errors.New("health critical")
)

// SessionCheck returns a "session" checker backed by s.
func SessionCheck(s Status) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if !s.Running() {
				return ErrNotRunning
			}
			if m := s.Mode(); m.Tier == resilience.TierDisabled {
				return fmt.Errorf("%w: %s", ErrDisabled, m.Reason)
			}
			if snap, ok := s.Snapshot(); ok && snap.Level == monitor.LevelCritical {
				return fmt.Errorf("%w: score %.2f", ErrCritical, snap.Health)
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers in order on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 when every checker passes and 503 otherwise. Each
// checker gets its own [checkTimeout] deadline.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
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
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
