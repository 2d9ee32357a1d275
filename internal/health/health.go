// Package health serves the liveness and readiness endpoints of auctiond.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
)

// Check outcomes.
const (
	StatusOK       = "ok"
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
	StatusFailed   = "failed"
)

const checkTimeout = 5 * time.Second

// Report is the JSON body of both endpoints.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
	Time   time.Time              `json:"time"`
}

// CheckResult is the outcome of one named dependency check.
type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Checker is a named dependency check. A failing Optional check marks the
// service degraded but keeps it in rotation.
type Checker struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// Handler serves /healthz and /readyz.
type Handler struct {
	ready    atomic.Bool
	checkers []Checker
	clock    clock.Clock
}

// NewHandler returns a Handler that is not ready until SetReady(true).
func NewHandler(clk clock.Clock, checkers ...Checker) *Handler {
	return &Handler{checkers: checkers, clock: clk}
}

// SetReady flips whether readiness checks are evaluated at all. auctiond
// clears it as soon as shutdown begins.
func (h *Handler) SetReady(ready bool) { h.ready.Store(ready) }

// LivenessHandler always answers 200 while the process serves HTTP.
func (h *Handler) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, http.StatusOK, Report{Status: StatusOK, Time: h.clock.Now().UTC()})
	}
}

// ReadinessHandler runs every checker concurrently and answers 503 when a
// required one fails.
func (h *Handler) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.ready.Load() {
			writeReport(w, http.StatusServiceUnavailable, Report{Status: StatusNotReady, Time: h.clock.Now().UTC()})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		rep := h.evaluate(ctx)
		code := http.StatusOK
		if rep.Status == StatusNotReady {
			code = http.StatusServiceUnavailable
		}
		writeReport(w, code, rep)
	}
}

func (h *Handler) evaluate(ctx context.Context) Report {
	var (
		mu       sync.Mutex
		wg       conc.WaitGroup
		failed   bool
		degraded bool
	)
	checks := make(map[string]CheckResult, len(h.checkers))
	for _, c := range h.checkers {
		wg.Go(func() {
			res := CheckResult{Status: StatusOK}
			if err := c.Check(ctx); err != nil {
				res = CheckResult{Status: StatusFailed, Error: err.Error()}
				if c.Optional {
					res.Status = StatusDegraded
				}
			}
			mu.Lock()
			defer mu.Unlock()
			checks[c.Name] = res
			switch res.Status {
			case StatusFailed:
				failed = true
			case StatusDegraded:
				degraded = true
			}
		})
	}
	wg.Wait()

	rep := Report{Status: StatusReady, Checks: checks, Time: h.clock.Now().UTC()}
	switch {
	case failed:
		rep.Status = StatusNotReady
	case degraded:
		rep.Status = StatusDegraded
	}
	return rep
}

func writeReport(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
