// Package health provides HTTP health and readiness check handlers for the
// Outdial server.
//
// The package exposes two endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "fail"), a "checks" map containing the result of each named checker, and a
// "dialing" field reporting whether the provider health gate currently
// permits outbound calls. A closed gate does not fail readiness: the server
// still accepts webhooks and media streams while dialing is paused.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "store",
	// "twilio"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StoreChecker probes the persistence backend.
func StoreChecker(st store.Store) Checker {
	return Checker{Name: "store", Check: st.Ping}
}

// ProviderChecker probes a telephony vendor API. The check is named after
// the adapter so each configured vendor shows up separately in /readyz.
func ProviderChecker(p telephony.Provider) Checker {
	return Checker{
		Name: p.Name(),
		Check: func(ctx context.Context) error {
			hs := p.HealthCheck(ctx)
			if !hs.Healthy {
				return hs.Err
			}
			return nil
		},
	}
}

// DialGate reports whether outbound dialing is currently permitted. It is
// satisfied by the scheduler's health gate.
type DialGate interface {
	Allow() bool
}

// result is the JSON response body for health endpoints.
type result struct {
	Status  string            `json:"status"`
	Dialing *bool             `json:"dialing,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list and gate are fixed at construction time.
type Handler struct {
	checkers []Checker
	gate     DialGate
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers run concurrently, each under its own timeout.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithGate attaches the dialing gate whose state is reported in /readyz.
func (h *Handler) WithGate(gate DialGate) *Handler {
	h.gate = gate
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Checks run concurrently, each with a [checkTimeout]
// deadline derived from the request context, so one slow vendor API does not
// serialize the probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range h.checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Check(ctx)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
		}(c)
	}
	wg.Wait()

	res := result{
		Status: "ok",
		Checks: checks,
	}
	if h.gate != nil {
		dialing := h.gate.Allow()
		res.Dialing = &dialing
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
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
