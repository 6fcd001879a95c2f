// Package orchestrator owns the call session lifecycle. It folds normalized
// provider events into durable call sessions, resolves bridge context when a
// media stream connects, merges bridge results, and hands each finished call
// to the scheduler exactly once.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/internal/bridge"
	"github.com/telroute/outdial/internal/observe"
	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// TerminalNotifier receives each call session exactly once after it reaches
// a terminal state with all bridge results merged. Satisfied by
// [scheduler.Scheduler].
type TerminalNotifier interface {
	HandleTerminal(ctx context.Context, sess *store.CallSession)
}

// seenEventsCap bounds the idempotency set. Oldest entries are dropped
// wholesale once the cap is hit; a re-delivered event older than the window
// is caught by the terminal status guard instead.
const seenEventsCap = 10000

// Orchestrator coordinates sessions, bridges, and the scheduler.
type Orchestrator struct {
	store    store.Store
	provider telephony.Provider
	bridges  *bridge.Registry
	notifier TerminalNotifier
	script   agent.Script
	voice    string
	metrics  *observe.Metrics
	log      *slog.Logger

	mu         sync.Mutex
	notified   map[string]bool
	seenEvents map[string]bool
}

// SetScript swaps the qualification script used for new calls. In-flight
// bridges keep the script they resolved with.
func (o *Orchestrator) SetScript(s agent.Script) {
	o.mu.Lock()
	o.script = s
	o.mu.Unlock()
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithVoice sets the engine voice used for bridged calls.
func WithVoice(voice string) Option {
	return func(o *Orchestrator) { o.voice = voice }
}

// New creates an Orchestrator.
func New(st store.Store, provider telephony.Provider, bridges *bridge.Registry, notifier TerminalNotifier, script agent.Script, opts ...Option) (*Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("orchestrator: store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("orchestrator: provider is required")
	}
	if bridges == nil {
		return nil, fmt.Errorf("orchestrator: bridge registry is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("orchestrator: terminal notifier is required")
	}
	o := &Orchestrator{
		store:      st,
		provider:   provider,
		bridges:    bridges,
		notifier:   notifier,
		script:     script,
		log:        slog.Default(),
		notified:   map[string]bool{},
		seenEvents: map[string]bool{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.log = o.log.With(slog.String("component", "orchestrator"))
	return o, nil
}

// ApplyEvent folds one normalized provider event into its call session.
// Events for unknown calls and duplicate events are benign no-ops. Terminal
// transitions are first-write-wins: once a session is terminal, later
// terminal events cannot change its status.
func (o *Orchestrator) ApplyEvent(ctx context.Context, ev telephony.CallEvent) error {
	if o.duplicateEvent(ev.EventID) {
		return nil
	}

	sess, err := o.store.GetSessionByProviderCallID(ctx, ev.Provider, ev.ProviderCallID)
	if err != nil {
		return fmt.Errorf("orchestrator: session lookup: %w", err)
	}
	if sess == nil {
		o.log.Debug("event for unknown call",
			slog.String("provider", ev.Provider),
			slog.String("provider_call_id", ev.ProviderCallID),
			slog.String("event", string(ev.Type)))
		return nil
	}

	log := o.log.With(
		slog.String("call_id", sess.CallID),
		slog.String("event", string(ev.Type)),
		slog.String("status", string(ev.Status)))

	switch ev.Type {
	case telephony.EventAMDResult:
		if mergeEventPayload(sess, ev) {
			if err := o.store.UpdateSession(ctx, sess); err != nil {
				return fmt.Errorf("orchestrator: update session: %w", err)
			}
		}
		log.Info("machine detection result",
			slog.String("amd", string(ev.AMDResult)),
			slog.Float64("confidence", ev.AMDConfidence))
		return nil

	case telephony.EventRecording:
		if mergeEventPayload(sess, ev) {
			if err := o.store.UpdateSession(ctx, sess); err != nil {
				return fmt.Errorf("orchestrator: update session: %w", err)
			}
		}
		return nil

	case telephony.EventHangup:
		return o.applyTerminal(ctx, sess, ev, log)

	default:
		if ev.Status.IsTerminal() {
			return o.applyTerminal(ctx, sess, ev, log)
		}
		if sess.Status.IsTerminal() {
			// Late non-terminal event after the call ended. The status is
			// stale, but any detection or recording data it carries is not.
			if mergeEventPayload(sess, ev) {
				if err := o.store.UpdateSession(ctx, sess); err != nil {
					return fmt.Errorf("orchestrator: update session: %w", err)
				}
			}
			return nil
		}
		sess.Status = ev.Status
		mergeEventPayload(sess, ev)
		if ev.Status.IsActive() && sess.AnsweredAt == nil {
			ts := ev.Timestamp
			sess.AnsweredAt = &ts
		}
		if err := o.store.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("orchestrator: update session: %w", err)
		}
		log.Debug("call status updated")
		return nil
	}
}

// mergeEventPayload folds machine detection and recording data from ev into
// sess first-write-wins and reports whether anything changed. Twilio carries
// both on ordinary status callbacks rather than dedicated events, so every
// event shape gets folded, not just EventAMDResult and EventRecording.
func mergeEventPayload(sess *store.CallSession, ev telephony.CallEvent) bool {
	changed := false
	if ev.AMDResult != "" && (sess.AMDResult == "" || sess.AMDResult == telephony.AMDUnknown) {
		sess.AMDResult = ev.AMDResult
		sess.AMDConfidence = ev.AMDConfidence
		changed = true
	}
	if ev.RecordingRef != "" && sess.RecordingRef == "" {
		sess.RecordingRef = ev.RecordingRef
		changed = true
	}
	return changed
}

// applyTerminal persists a terminal transition and arranges exactly-once
// scheduler notification. When a bridge is still open its result is merged
// first; the notification then happens in HandleBridgeResult.
func (o *Orchestrator) applyTerminal(ctx context.Context, sess *store.CallSession, ev telephony.CallEvent, log *slog.Logger) error {
	if sess.Status.IsTerminal() {
		log.Debug("duplicate terminal event ignored")
		return nil
	}

	status := ev.Status
	if !status.IsTerminal() {
		status = telephony.StatusCompleted
	}
	sess.Status = status
	if ev.HangupReason != "" {
		sess.HangupReason = ev.HangupReason
	}
	if ev.DurationSecs > 0 {
		sess.DurationSecs = ev.DurationSecs
	}
	mergeEventPayload(sess, ev)
	ts := ev.Timestamp
	sess.EndedAt = &ts
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("orchestrator: update session: %w", err)
	}
	log.Info("call ended",
		slog.String("hangup_reason", sess.HangupReason),
		slog.Int("duration_secs", sess.DurationSecs))

	if b, ok := o.bridges.Get(sess.CallID); ok {
		// The bridge teardown delivers its result to HandleBridgeResult,
		// which notifies the scheduler once the transcript and
		// qualification are merged.
		b.Close()
		return nil
	}
	o.notifyTerminal(ctx, sess)
	return nil
}

// HandleBridgeResult merges a finished bridge's result into the call session
// and, when the vendor already reported the call terminal, notifies the
// scheduler. When the engine side ended first the vendor leg is hung up and
// the hangup webhook completes the chain.
func (o *Orchestrator) HandleBridgeResult(ctx context.Context, res bridge.Result) {
	log := o.log.With(
		slog.String("call_id", res.CallID),
		slog.String("reason", string(res.Reason)))

	o.bridges.Remove(res.CallID)
	if o.metrics != nil {
		o.metrics.ActiveBridges.Add(ctx, -1)
	}

	sess, err := o.store.GetSession(ctx, res.CallID)
	if err != nil || sess == nil {
		log.Warn("bridge result for unknown session")
		return
	}

	if res.Qualification != nil {
		sess.Qualification = res.Qualification
		if res.Qualification.Disposition != "" {
			sess.Disposition = res.Qualification.Disposition
		} else {
			sess.Disposition = string(res.Qualification.Status)
		}
	}
	if len(res.Transcript) > 0 {
		sess.Transcript = res.Transcript
	}
	if sess.AnsweredAt == nil && !res.Stats.AnsweredAt.IsZero() {
		ts := res.Stats.AnsweredAt
		sess.AnsweredAt = &ts
	}
	if sess.DurationSecs == 0 && res.Stats.Duration > 0 {
		sess.DurationSecs = int(res.Stats.Duration.Seconds())
	}
	if err := o.store.UpdateSession(ctx, sess); err != nil {
		log.Error("update session failed", slog.String("error", err.Error()))
	}

	if sess.Status.IsTerminal() {
		o.notifyTerminal(ctx, sess)
		return
	}

	// The engine side ended first. Hang up the vendor leg; its hangup
	// webhook finishes the session.
	if res.Reason != bridge.ReasonProviderStop && sess.ProviderCallID != "" {
		if _, err := o.provider.End(ctx, sess.ProviderCallID, string(res.Reason)); err != nil {
			log.Warn("vendor hangup failed", slog.String("error", err.Error()))
		}
	}
}

// BridgeStarted records that a bridge is serving the call. Pairs with
// HandleBridgeResult.
func (o *Orchestrator) BridgeStarted(ctx context.Context, callID string) {
	if o.metrics != nil {
		o.metrics.ActiveBridges.Add(ctx, 1)
	}
}

// EndCall force-terminates a call: the bridge is closed and the vendor leg
// hung up. The vendor's hangup webhook completes the session as usual.
func (o *Orchestrator) EndCall(ctx context.Context, callID, reason string) error {
	sess, err := o.store.GetSession(ctx, callID)
	if err != nil {
		return fmt.Errorf("orchestrator: session lookup: %w", err)
	}
	if sess == nil {
		return fmt.Errorf("orchestrator: unknown call %s", callID)
	}
	if b, ok := o.bridges.Get(callID); ok {
		b.Close()
	}
	if sess.Status.IsTerminal() || sess.ProviderCallID == "" {
		return nil
	}
	if _, err := o.provider.End(ctx, sess.ProviderCallID, reason); err != nil {
		return fmt.Errorf("orchestrator: end call: %w", err)
	}
	o.log.Info("call ended by operator",
		slog.String("call_id", callID),
		slog.String("reason", reason))
	return nil
}

// Resolve implements [bridge.ContextResolver]: it maps a connecting media
// stream to its call session and lead, producing the script variables and
// voice the engine session needs.
func (o *Orchestrator) Resolve(ctx context.Context, providerCallID string, params map[string]string) (bridge.CallContext, error) {
	var sess *store.CallSession
	var err error
	if callID := params["call_id"]; callID != "" {
		sess, err = o.store.GetSession(ctx, callID)
	} else {
		sess, err = o.store.GetSessionByProviderCallID(ctx, o.provider.Name(), providerCallID)
	}
	if err != nil {
		return bridge.CallContext{}, fmt.Errorf("orchestrator: session lookup: %w", err)
	}
	if sess == nil {
		return bridge.CallContext{}, fmt.Errorf("orchestrator: no session for media stream %s", providerCallID)
	}

	vars := agent.LeadVars{}
	lead, err := o.store.GetLead(ctx, sess.LeadRef)
	if err != nil {
		return bridge.CallContext{}, fmt.Errorf("orchestrator: lead lookup: %w", err)
	}
	if lead != nil {
		vars = agent.LeadVars{
			FirstName:       lead.FirstName,
			LastName:        lead.LastName,
			PropertyAddress: lead.PropertyAddress,
		}
	}

	o.mu.Lock()
	script := o.script
	o.mu.Unlock()

	return bridge.CallContext{
		CallID: sess.CallID,
		Script: script,
		Vars:   vars,
		Voice:  o.voice,
	}, nil
}

// notifyTerminal hands the session to the scheduler at most once per call.
func (o *Orchestrator) notifyTerminal(ctx context.Context, sess *store.CallSession) {
	o.mu.Lock()
	if o.notified[sess.CallID] {
		o.mu.Unlock()
		return
	}
	o.notified[sess.CallID] = true
	o.mu.Unlock()

	o.notifier.HandleTerminal(ctx, sess)
}

// duplicateEvent records ev's id in the idempotency set and reports whether
// it was already present.
func (o *Orchestrator) duplicateEvent(eventID string) bool {
	if eventID == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.seenEvents[eventID] {
		return true
	}
	if len(o.seenEvents) >= seenEventsCap {
		o.seenEvents = map[string]bool{}
	}
	o.seenEvents[eventID] = true
	return false
}
