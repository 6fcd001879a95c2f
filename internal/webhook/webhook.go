// Package webhook receives vendor lifecycle callbacks. Each registered
// provider adapter gets its own endpoint; raw payloads are audited before
// normalization so a bad event can be replayed after a mapping fix.
//
// Vendors retry on non-2xx responses and disable endpoints that keep
// failing, so the handler acknowledges every request it could read. Mapping
// and processing failures are recorded in the audit log, never surfaced to
// the vendor.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/telroute/outdial/internal/observe"
	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// maxBodySize caps webhook payload reads. Vendor events are small; anything
// larger is malformed or hostile.
const maxBodySize = 1 << 20

// EventSink consumes normalized call events. Satisfied by
// [orchestrator.Orchestrator].
type EventSink interface {
	ApplyEvent(ctx context.Context, ev telephony.CallEvent) error
}

// Handler routes vendor webhooks to their provider adapter for normalization
// and hands the result to the event sink.
type Handler struct {
	providers map[string]telephony.Provider
	sink      EventSink
	store     store.Store
	metrics   *observe.Metrics
	log       *slog.Logger
}

// Option customises a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New creates a Handler serving the given provider adapters.
func New(sink EventSink, st store.Store, providers []telephony.Provider, opts ...Option) (*Handler, error) {
	if sink == nil {
		return nil, fmt.Errorf("webhook: event sink is required")
	}
	if st == nil {
		return nil, fmt.Errorf("webhook: store is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("webhook: at least one provider is required")
	}
	h := &Handler{
		providers: make(map[string]telephony.Provider, len(providers)),
		sink:      sink,
		store:     st,
		log:       slog.Default(),
	}
	for _, p := range providers {
		h.providers[p.Name()] = p
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.log.With(slog.String("component", "webhook"))
	return h, nil
}

// Register adds the per-provider webhook routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhooks/{provider}", h.handle)
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("provider")
	provider, ok := h.providers[name]
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.log.Warn("webhook body read failed",
			slog.String("provider", name),
			slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	rec := &store.WebhookRecord{
		Provider:   name,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}

	ev, err := provider.MapEvent(body, r.Header.Get("Content-Type"))
	if err != nil {
		rec.ProcessErr = err.Error()
		h.audit(ctx, rec)
		h.log.Warn("webhook mapping failed",
			slog.String("provider", name),
			slog.String("error", err.Error()))
		// Acknowledge anyway: retrying an unmappable payload cannot help,
		// and the audit log has the raw bytes.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rec.EventID = ev.EventID
	rec.ProviderCallID = ev.ProviderCallID
	rec.EventType = string(ev.Type)
	rec.Status = string(ev.Status)

	if h.metrics != nil {
		h.metrics.RecordWebhookEvent(ctx, name, string(ev.Type))
	}

	if err := h.sink.ApplyEvent(ctx, ev); err != nil {
		rec.ProcessErr = err.Error()
		h.log.Error("webhook event processing failed",
			slog.String("provider", name),
			slog.String("provider_call_id", ev.ProviderCallID),
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()))
	}
	h.audit(ctx, rec)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) audit(ctx context.Context, rec *store.WebhookRecord) {
	if err := h.store.AppendWebhookRecord(ctx, rec); err != nil {
		h.log.Error("webhook audit append failed",
			slog.String("provider", rec.Provider),
			slog.String("error", err.Error()))
	}
}
