// Package healthgate pauses and resumes dialing based on live provider
// health. A periodic, bounded-timeout probe runs per configured provider;
// consecutive failures trip the gate, the next success releases it. A manual
// pause path exists independently and is never overridden by the automatic
// mechanism.
//
// All types are safe for concurrent use.
package healthgate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// Pause reasons. Automatic and manual pauses are tracked separately so one
// can never silently release the other.
const (
	ReasonProviderOutage = "provider_outage"
	ReasonManual         = "manual"
)

// Prober is the provider surface the gate needs. telephony.Provider
// satisfies it.
type Prober interface {
	Name() string
	HealthCheck(ctx context.Context) telephony.HealthStatus
}

// Recorder persists probe failure and recovery events. store.Store satisfies
// it.
type Recorder interface {
	AppendHealthEvent(ctx context.Context, ev *store.HealthEvent) error
}

// Config holds tuning knobs for a [Gate]. Zero-value fields are replaced
// with defaults.
type Config struct {
	// Interval between probe rounds. Default: 30s.
	Interval time.Duration
	// ProbeTimeout bounds each individual probe. A timed-out probe counts
	// as a failure. Default: 5s.
	ProbeTimeout time.Duration
	// FailureThreshold is the number of consecutive failures that trips the
	// gate. Default: 3.
	FailureThreshold int
}

// Status is a snapshot of the gate.
type Status struct {
	Paused bool
	Reason string
}

// Gate tracks per-provider probe outcomes and exposes a single
// running/paused decision to the scheduler.
type Gate struct {
	providers []Prober
	recorder  Recorder
	log       *slog.Logger

	interval  time.Duration
	timeout   time.Duration
	threshold int

	mu           sync.Mutex
	fails        map[string]int
	outages      map[string]bool
	manualPaused bool
}

// New creates a Gate over the given providers. recorder may be nil.
func New(providers []Prober, recorder Recorder, cfg Config, log *slog.Logger) *Gate {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		providers: providers,
		recorder:  recorder,
		log:       log,
		interval:  cfg.Interval,
		timeout:   cfg.ProbeTimeout,
		threshold: cfg.FailureThreshold,
		fails:     make(map[string]int),
		outages:   make(map[string]bool),
	}
}

// Run probes all providers on the configured interval until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe round across every provider.
func (g *Gate) ProbeAll(ctx context.Context) {
	for _, p := range g.providers {
		g.probe(ctx, p)
	}
}

func (g *Gate) probe(ctx context.Context, p Prober) {
	probeCtx, cancel := context.WithTimeout(ctx, g.timeout)
	hs := p.HealthCheck(probeCtx)
	cancel()

	if hs.Healthy {
		g.recordSuccess(ctx, p.Name(), hs)
	} else {
		g.recordFailure(ctx, p.Name(), hs)
	}
}

// recordFailure increments the provider's consecutive failure count and
// trips the gate at the threshold.
func (g *Gate) recordFailure(ctx context.Context, name string, hs telephony.HealthStatus) {
	g.mu.Lock()
	g.fails[name]++
	count := g.fails[name]
	tripped := false
	if count >= g.threshold && !g.outages[name] {
		g.outages[name] = true
		tripped = true
	}
	g.mu.Unlock()

	detail := ""
	if hs.Err != nil {
		detail = hs.Err.Error()
	}
	g.record(ctx, name, false, hs.ResponseTime, detail)

	if tripped {
		g.log.Warn("provider outage detected, dialing paused",
			"provider", name,
			"consecutive_failures", count,
		)
	} else {
		g.log.Warn("provider health probe failed",
			"provider", name,
			"consecutive_failures", count,
			"err", hs.Err,
		)
	}
}

// recordSuccess resets the provider's failure count. If the provider was in
// outage, the gate resumes automatically; a manual pause is left untouched.
func (g *Gate) recordSuccess(ctx context.Context, name string, hs telephony.HealthStatus) {
	g.mu.Lock()
	g.fails[name] = 0
	recovered := g.outages[name]
	delete(g.outages, name)
	g.mu.Unlock()

	if recovered {
		g.record(ctx, name, true, hs.ResponseTime, "recovered")
		g.log.Info("provider recovered, dialing resumed",
			"provider", name,
			"response_time", hs.ResponseTime,
		)
	}
}

func (g *Gate) record(ctx context.Context, provider string, healthy bool, rt time.Duration, detail string) {
	if g.recorder == nil {
		return
	}
	ev := &store.HealthEvent{
		ID:             uuid.NewString(),
		Provider:       provider,
		Healthy:        healthy,
		ResponseTimeMs: rt.Milliseconds(),
		Detail:         detail,
		At:             time.Now().UTC(),
	}
	if err := g.recorder.AppendHealthEvent(ctx, ev); err != nil {
		g.log.Warn("health event not recorded", "provider", provider, "err", err)
	}
}

// Allow reports whether the scheduler may dequeue.
func (g *Gate) Allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.manualPaused && len(g.outages) == 0
}

// Status returns the current pause state. When both pause paths are active,
// the manual reason wins since only an operator may release it.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case g.manualPaused:
		return Status{Paused: true, Reason: ReasonManual}
	case len(g.outages) > 0:
		return Status{Paused: true, Reason: ReasonProviderOutage}
	default:
		return Status{}
	}
}

// Pause suspends dialing on operator request. Probe successes do not release
// a manual pause.
func (g *Gate) Pause() {
	g.mu.Lock()
	g.manualPaused = true
	g.mu.Unlock()
	g.log.Info("dialing manually paused")
}

// Resume releases a manual pause. It does not clear an active provider
// outage.
func (g *Gate) Resume() {
	g.mu.Lock()
	g.manualPaused = false
	g.mu.Unlock()
	g.log.Info("manual pause released")
}
