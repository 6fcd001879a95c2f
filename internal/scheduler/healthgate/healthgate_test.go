package healthgate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/telroute/outdial/internal/scheduler/healthgate"
	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// fakeProber scripts probe outcomes.
type fakeProber struct {
	name string

	mu      sync.Mutex
	healthy bool
}

func (f *fakeProber) Name() string { return f.name }

func (f *fakeProber) HealthCheck(context.Context) telephony.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := telephony.HealthStatus{Healthy: f.healthy, ResponseTime: 12 * time.Millisecond}
	if !f.healthy {
		hs.Err = errors.New("probe refused")
	}
	return hs
}

func (f *fakeProber) set(healthy bool) {
	f.mu.Lock()
	f.healthy = healthy
	f.mu.Unlock()
}

func newGate(p *fakeProber, rec *store.Memory) *healthgate.Gate {
	var recorder healthgate.Recorder
	if rec != nil {
		recorder = rec
	}
	return healthgate.New(
		[]healthgate.Prober{p},
		recorder,
		healthgate.Config{FailureThreshold: 3, ProbeTimeout: time.Second},
		nil,
	)
}

func TestGate_OutageAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	p := &fakeProber{name: "twilio", healthy: false}
	rec := store.NewMemory()
	g := newGate(p, rec)

	g.ProbeAll(ctx)
	g.ProbeAll(ctx)
	if !g.Allow() {
		t.Fatal("gate must stay open below the failure threshold")
	}

	g.ProbeAll(ctx)
	if g.Allow() {
		t.Fatal("gate must pause after 3 consecutive failures")
	}
	if st := g.Status(); !st.Paused || st.Reason != healthgate.ReasonProviderOutage {
		t.Fatalf("status = %+v, want paused provider_outage", st)
	}

	// Recovery resumes automatically and records the event.
	p.set(true)
	g.ProbeAll(ctx)
	if !g.Allow() {
		t.Fatal("gate must resume on the next successful probe")
	}

	events := rec.HealthEvents()
	if len(events) != 4 {
		t.Fatalf("health events = %d, want 4 (3 failures + 1 recovery)", len(events))
	}
	last := events[len(events)-1]
	if !last.Healthy || last.Detail != "recovered" || last.ResponseTimeMs != 12 {
		t.Fatalf("recovery event = %+v", last)
	}
}

func TestGate_FailureCountResetsOnSuccess(t *testing.T) {
	ctx := context.Background()
	p := &fakeProber{name: "telnyx", healthy: false}
	g := newGate(p, nil)

	g.ProbeAll(ctx)
	g.ProbeAll(ctx)
	p.set(true)
	g.ProbeAll(ctx) // resets the streak
	p.set(false)
	g.ProbeAll(ctx)
	g.ProbeAll(ctx)

	if !g.Allow() {
		t.Fatal("non-consecutive failures must not trip the gate")
	}
}

func TestGate_ManualPauseNotAutoResumed(t *testing.T) {
	ctx := context.Background()
	p := &fakeProber{name: "twilio", healthy: true}
	g := newGate(p, nil)

	g.Pause()
	if g.Allow() {
		t.Fatal("manual pause must suspend dialing")
	}

	// A healthy probe must not release a manual pause.
	g.ProbeAll(ctx)
	if g.Allow() {
		t.Fatal("probe success must not auto-resume a manually paused gate")
	}
	if st := g.Status(); st.Reason != healthgate.ReasonManual {
		t.Fatalf("reason = %q, want manual", st.Reason)
	}

	g.Resume()
	if !g.Allow() {
		t.Fatal("gate must run after manual resume")
	}
}

func TestGate_ManualResumeKeepsOutage(t *testing.T) {
	ctx := context.Background()
	p := &fakeProber{name: "twilio", healthy: false}
	g := newGate(p, nil)

	for i := 0; i < 3; i++ {
		g.ProbeAll(ctx)
	}
	g.Pause()
	g.Resume()

	if g.Allow() {
		t.Fatal("manual resume must not clear an active provider outage")
	}
	if st := g.Status(); st.Reason != healthgate.ReasonProviderOutage {
		t.Fatalf("reason = %q, want provider_outage", st.Reason)
	}
}
