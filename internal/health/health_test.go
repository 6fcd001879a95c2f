package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// probeProvider implements telephony.Provider with a canned health result.
// Only Name and HealthCheck matter for these tests.
type probeProvider struct {
	name    string
	healthy bool
	err     error
}

func (p *probeProvider) Name() string { return p.name }

func (p *probeProvider) HealthCheck(context.Context) telephony.HealthStatus {
	return telephony.HealthStatus{Healthy: p.healthy, ResponseTime: time.Millisecond, Err: p.err}
}

func (p *probeProvider) Initiate(context.Context, telephony.InitiateRequest) (telephony.InitiateResult, error) {
	return telephony.InitiateResult{}, errors.New("not implemented")
}

func (p *probeProvider) End(context.Context, string, string) (telephony.CallStatus, error) {
	return telephony.StatusCompleted, nil
}

func (p *probeProvider) Status(context.Context, string) (telephony.StatusResult, error) {
	return telephony.StatusResult{}, errors.New("not implemented")
}

func (p *probeProvider) Recording(context.Context, string) (telephony.Recording, error) {
	return telephony.Recording{}, errors.New("not implemented")
}

func (p *probeProvider) ConfigureAMD(telephony.AMDConfig) {}

func (p *probeProvider) MapEvent([]byte, string) (telephony.CallEvent, error) {
	return telephony.CallEvent{}, errors.New("not implemented")
}

type staticGate bool

func (g staticGate) Allow() bool { return bool(g) }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz_StoreAndProvidersPass(t *testing.T) {
	h := New(
		StoreChecker(store.NewMemory()),
		ProviderChecker(&probeProvider{name: "twilio", healthy: true}),
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["store"] != "ok" {
		t.Errorf("store check = %q, want %q", body.Checks["store"], "ok")
	}
	if body.Checks["twilio"] != "ok" {
		t.Errorf("twilio check = %q, want %q", body.Checks["twilio"], "ok")
	}
}

func TestReadyz_UnhealthyProviderFails(t *testing.T) {
	h := New(
		StoreChecker(store.NewMemory()),
		ProviderChecker(&probeProvider{name: "telnyx", err: errors.New("api unreachable")}),
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["telnyx"] != "fail: api unreachable" {
		t.Errorf("telnyx check = %q", body.Checks["telnyx"])
	}
	if body.Checks["store"] != "ok" {
		t.Errorf("store check = %q, want %q", body.Checks["store"], "ok")
	}
}

func TestReadyz_ClosedGateReportedButStillReady(t *testing.T) {
	h := New(StoreChecker(store.NewMemory())).WithGate(staticGate(false))

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	// A paused dialer is not an unready server.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Dialing == nil || *body.Dialing {
		t.Errorf("dialing = %v, want false", body.Dialing)
	}
}

func TestReadyz_OpenGateReported(t *testing.T) {
	h := New().WithGate(staticGate(true))

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Dialing == nil || !*body.Dialing {
		t.Errorf("dialing = %v, want true", body.Dialing)
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	// Each checker blocks until both have started. Serialized execution
	// would deadlock the first checker into its timeout instead.
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	slow := func(ctx context.Context) error {
		arrived <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(
		Checker{Name: "slow-a", Check: slow},
		Checker{Name: "slow-b", Check: slow},
	)

	go func() {
		<-arrived
		<-arrived
		close(release)
	}()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}
