package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// fakeSink records applied events and optionally fails.
type fakeSink struct {
	mu       sync.Mutex
	events   []telephony.CallEvent
	applyErr error
}

func (f *fakeSink) ApplyEvent(_ context.Context, ev telephony.CallEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return f.applyErr
	}
	f.events = append(f.events, ev)
	return nil
}

// mapProvider is a provider stub whose MapEvent returns a canned event or
// error.
type mapProvider struct {
	name   string
	event  telephony.CallEvent
	mapErr error
}

func (m *mapProvider) Name() string { return m.name }

func (m *mapProvider) Initiate(context.Context, telephony.InitiateRequest) (telephony.InitiateResult, error) {
	return telephony.InitiateResult{}, nil
}

func (m *mapProvider) End(context.Context, string, string) (telephony.CallStatus, error) {
	return telephony.StatusCancelled, nil
}

func (m *mapProvider) Status(context.Context, string) (telephony.StatusResult, error) {
	return telephony.StatusResult{}, nil
}

func (m *mapProvider) Recording(context.Context, string) (telephony.Recording, error) {
	return telephony.Recording{}, nil
}

func (m *mapProvider) ConfigureAMD(telephony.AMDConfig) {}

func (m *mapProvider) HealthCheck(context.Context) telephony.HealthStatus {
	return telephony.HealthStatus{Healthy: true}
}

func (m *mapProvider) MapEvent([]byte, string) (telephony.CallEvent, error) {
	if m.mapErr != nil {
		return telephony.CallEvent{}, m.mapErr
	}
	return m.event, nil
}

func newTestHandler(t *testing.T, sink *fakeSink, providers ...telephony.Provider) (*Handler, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	h, err := New(sink, st, providers)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h, st
}

func post(t *testing.T, h *Handler, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandle_DispatchesToSink(t *testing.T) {
	sink := &fakeSink{}
	p := &mapProvider{
		name: "twilio",
		event: telephony.CallEvent{
			EventID:        "evt-1",
			Provider:       "twilio",
			ProviderCallID: "CA123",
			Type:           telephony.EventHangup,
			Status:         telephony.StatusCompleted,
		},
	}
	h, st := newTestHandler(t, sink, p)

	rec := post(t, h, "/webhooks/twilio", "application/x-www-form-urlencoded", "CallSid=CA123&CallStatus=completed")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if len(sink.events) != 1 {
		t.Fatalf("sink received %d events, want 1", len(sink.events))
	}
	if sink.events[0].ProviderCallID != "CA123" {
		t.Errorf("provider call id = %s, want CA123", sink.events[0].ProviderCallID)
	}

	records := st.WebhookRecords()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].EventID != "evt-1" || records[0].ProcessErr != "" {
		t.Errorf("audit record = %+v", records[0])
	}
	if string(records[0].Payload) != "CallSid=CA123&CallStatus=completed" {
		t.Error("audit record missing raw payload")
	}
}

func TestHandle_UnknownProvider(t *testing.T) {
	sink := &fakeSink{}
	h, _ := newTestHandler(t, sink, &mapProvider{name: "twilio"})

	rec := post(t, h, "/webhooks/nexmo", "application/json", "{}")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHandle_MappingFailureStillAcknowledged(t *testing.T) {
	sink := &fakeSink{}
	p := &mapProvider{name: "telnyx", mapErr: errors.New("missing call_control_id")}
	h, st := newTestHandler(t, sink, p)

	rec := post(t, h, "/webhooks/telnyx", "application/json", `{"data":{}}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204 (vendor must not retry)", rec.Code)
	}
	if len(sink.events) != 0 {
		t.Errorf("sink received %d events for unmappable payload, want 0", len(sink.events))
	}

	records := st.WebhookRecords()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].ProcessErr == "" {
		t.Error("audit record missing mapping error")
	}
}

func TestHandle_SinkFailureStillAcknowledged(t *testing.T) {
	sink := &fakeSink{applyErr: errors.New("store down")}
	p := &mapProvider{
		name: "twilio",
		event: telephony.CallEvent{
			EventID:        "evt-2",
			ProviderCallID: "CA456",
			Type:           telephony.EventStatusChange,
			Status:         telephony.StatusRinging,
		},
	}
	h, st := newTestHandler(t, sink, p)

	rec := post(t, h, "/webhooks/twilio", "application/x-www-form-urlencoded", "CallSid=CA456")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	records := st.WebhookRecords()
	if len(records) != 1 {
		t.Fatalf("audit records = %d, want 1", len(records))
	}
	if records[0].ProcessErr != "store down" {
		t.Errorf("audit process err = %q, want %q", records[0].ProcessErr, "store down")
	}
}

func TestHandle_TwoProvidersSeparateEndpoints(t *testing.T) {
	sink := &fakeSink{}
	tw := &mapProvider{name: "twilio", event: telephony.CallEvent{EventID: "t1", Provider: "twilio"}}
	tx := &mapProvider{name: "telnyx", event: telephony.CallEvent{EventID: "x1", Provider: "telnyx"}}
	h, _ := newTestHandler(t, sink, tw, tx)

	post(t, h, "/webhooks/twilio", "application/x-www-form-urlencoded", "CallSid=CA1")
	post(t, h, "/webhooks/telnyx", "application/json", `{"data":{}}`)

	if len(sink.events) != 2 {
		t.Fatalf("sink received %d events, want 2", len(sink.events))
	}
	if sink.events[0].Provider != "twilio" || sink.events[1].Provider != "telnyx" {
		t.Errorf("events routed to wrong providers: %+v", sink.events)
	}
}
