package twilio_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/telroute/outdial/pkg/telephony"
	"github.com/telroute/outdial/pkg/telephony/twilio"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) (*twilio.Provider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := twilio.New("AC123", "token", twilio.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, srv
}

func TestInitiate_Success(t *testing.T) {
	var gotForm url.Values
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = r.PostForm
		if user, _, _ := r.BasicAuth(); user != "AC123" {
			t.Errorf("basic auth user = %q, want AC123", user)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"CA999","status":"queued"}`))
	})

	res, err := p.Initiate(context.Background(), telephony.InitiateRequest{
		To:            "+15550001111",
		From:          "+15559990000",
		StreamURL:     "wss://bridge.example.com/media",
		DetectMachine: true,
		RingTimeout:   30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.ProviderCallID != "CA999" {
		t.Errorf("ProviderCallID = %q, want CA999", res.ProviderCallID)
	}
	if res.Status != telephony.StatusQueued {
		t.Errorf("Status = %q, want queued", res.Status)
	}
	if gotForm.Get("MachineDetection") == "" {
		t.Error("MachineDetection not sent")
	}
	if gotForm.Get("Timeout") != "30" {
		t.Errorf("Timeout = %q, want 30", gotForm.Get("Timeout"))
	}
}

func TestInitiate_AuthError(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":20003,"message":"Authenticate","status":401}`))
	})

	_, err := p.Initiate(context.Background(), telephony.InitiateRequest{To: "+1", From: "+2"})
	var te *telephony.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected telephony.Error, got %T: %v", err, err)
	}
	if te.Kind != telephony.ErrAuthentication {
		t.Errorf("kind = %q, want authentication", te.Kind)
	}
	if te.Retryable {
		t.Error("auth errors must not be retryable")
	}
	if te.Code != "20003" {
		t.Errorf("code = %q, want vendor code 20003", te.Code)
	}
}

func TestInitiate_RateLimited(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	})

	_, err := p.Initiate(context.Background(), telephony.InitiateRequest{To: "+1", From: "+2"})
	var te *telephony.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected telephony.Error, got %v", err)
	}
	if te.Kind != telephony.ErrRateLimit || !te.Retryable {
		t.Errorf("got kind=%q retryable=%v, want retryable rate_limit", te.Kind, te.Retryable)
	}
	if te.Metadata["retry_after"] != "7" {
		t.Errorf("retry_after metadata = %q, want 7", te.Metadata["retry_after"])
	}
}

func TestHealthCheck(t *testing.T) {
	p, _ := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sid":"AC123","status":"active"}`))
	})

	hs := p.HealthCheck(context.Background())
	if !hs.Healthy {
		t.Fatalf("HealthCheck unhealthy: %v", hs.Err)
	}
	if hs.ResponseTime <= 0 {
		t.Error("response time not measured")
	}
}

func TestHealthCheck_Down(t *testing.T) {
	p, srv := newTestProvider(t, nil)
	srv.Close()

	hs := p.HealthCheck(context.Background())
	if hs.Healthy {
		t.Fatal("expected unhealthy after server close")
	}
	if hs.Err == nil {
		t.Fatal("expected error")
	}
}

func TestMapEvent_Terminal(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("CallSid", "CA1")
	form.Set("CallStatus", "no-answer")
	form.Set("CallDuration", "0")
	form.Set("SequenceNumber", "4")

	ev, err := p.MapEvent([]byte(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		t.Fatalf("MapEvent: %v", err)
	}
	if ev.Status != telephony.StatusNoAnswer {
		t.Errorf("status = %q, want no_answer", ev.Status)
	}
	if ev.Type != telephony.EventHangup {
		t.Errorf("type = %q, want hangup", ev.Type)
	}
	if ev.EventID != "CA1-4" {
		t.Errorf("event id = %q, want CA1-4", ev.EventID)
	}
	if ev.HangupReason != "no-answer" {
		t.Errorf("hangup reason = %q", ev.HangupReason)
	}
}

func TestMapEvent_AMD(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("CallSid", "CA2")
	form.Set("CallStatus", "in-progress")
	form.Set("AnsweredBy", "machine_end_beep")

	ev, err := p.MapEvent([]byte(form.Encode()), "")
	if err != nil {
		t.Fatalf("MapEvent: %v", err)
	}
	if ev.AMDResult != telephony.AMDMachine {
		t.Errorf("amd = %q, want machine", ev.AMDResult)
	}
	if ev.Status != telephony.StatusInProgress {
		t.Errorf("status = %q, want in_progress", ev.Status)
	}
}

func TestMapEvent_UnknownStatusDoesNotFail(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	form := url.Values{}
	form.Set("CallSid", "CA3")
	form.Set("CallStatus", "some-future-twilio-state")

	ev, err := p.MapEvent([]byte(form.Encode()), "")
	if err != nil {
		t.Fatalf("MapEvent must not fail on unknown status: %v", err)
	}
	if !ev.Status.IsValid() {
		t.Errorf("status %q is not a valid normalized status", ev.Status)
	}
}

func TestRecording_RoundTrip(t *testing.T) {
	p, _ := newTestProvider(t, nil)

	// From a raw webhook payload.
	rec, err := p.Recording(context.Background(), `{"sid":"RE1","call_sid":"CA1","status":"completed","duration":"42"}`)
	if err != nil {
		t.Fatalf("Recording(payload): %v", err)
	}
	if rec.ID != "RE1" || rec.Status != telephony.RecordingReady || rec.DurationSecs != 42 {
		t.Errorf("unexpected recording: %+v", rec)
	}

	// The stored URL must resolve back to an equivalent recording.
	rec2, err := p.Recording(context.Background(), rec.URL)
	if err != nil {
		t.Fatalf("Recording(url): %v", err)
	}
	if rec2.ID != rec.ID {
		t.Errorf("round trip id = %q, want %q", rec2.ID, rec.ID)
	}
	if !rec2.RequiresAuth || rec2.AuthMethod != telephony.AuthBasic {
		t.Errorf("round trip lost auth info: %+v", rec2)
	}
}
