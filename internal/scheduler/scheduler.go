// Package scheduler drives outbound dialing: it drains the call queue on an
// interval, gates attempts on provider health and lead-local calling hours,
// places calls through the telephony provider, and decides from terminal
// session data whether a lead gets another attempt.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telroute/outdial/internal/observe"
	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// Gate reports whether dialing is currently allowed. Satisfied by
// [healthgate.Gate].
type Gate interface {
	Allow() bool
}

// Config carries the scheduler's dialing parameters.
type Config struct {
	// Interval between queue passes. Default 5s.
	Interval time.Duration

	// BatchSize caps how many due entries one pass claims. Default 10.
	BatchSize int

	// MaxAttempts is the total attempt budget per queue chain, the first
	// call included. Default 3.
	MaxAttempts int

	// CallerID is the outbound caller number presented to leads.
	CallerID string

	// StreamURL is handed to the provider as the media stream target.
	StreamURL string

	// CallbackURL receives the provider's lifecycle webhooks.
	CallbackURL string

	// RingTimeout bounds ringing before the vendor gives up. Default 30s.
	RingTimeout time.Duration

	// Hours restricts dialing to the lead's local calling window.
	Hours CallingHours

	// Record enables call recording at the vendor.
	Record bool
}

// Scheduler owns the dial loop. Passes never overlap; call initiation is
// fire-and-forget so one slow vendor request cannot stall the queue.
type Scheduler struct {
	store    store.Store
	provider telephony.Provider
	gate     Gate
	rules    *Classifier
	delay    DelayPolicy
	metrics  *observe.Metrics
	log      *slog.Logger
	now      func() time.Time

	cfg Config

	passMu    sync.Mutex
	wg        sync.WaitGroup
	lastDepth int64
	depthMu   sync.Mutex
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithClassifier replaces the default outcome rule table.
func WithClassifier(c *Classifier) Option {
	return func(s *Scheduler) { s.rules = c }
}

// WithDelayPolicy replaces the default fixed retry delay.
func WithDelayPolicy(p DelayPolicy) Option {
	return func(s *Scheduler) { s.delay = p }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. The store, provider, and gate are required.
func New(st store.Store, provider telephony.Provider, gate Gate, cfg Config, opts ...Option) (*Scheduler, error) {
	if st == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("scheduler: provider is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("scheduler: gate is required")
	}
	if cfg.Hours != (CallingHours{}) {
		if err := cfg.Hours.Validate(); err != nil {
			return nil, fmt.Errorf("scheduler: %w", err)
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 30 * time.Second
	}

	s := &Scheduler{
		store:    st,
		provider: provider,
		gate:     gate,
		rules:    NewClassifier(nil),
		delay:    FixedDelay{Delay: 15 * time.Minute},
		log:      slog.Default(),
		now:      time.Now,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "scheduler"))
	return s, nil
}

// Run drains the queue on the configured interval until ctx is cancelled,
// then waits for in-flight initiations to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("scheduler started",
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("max_attempts", s.cfg.MaxAttempts))

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunPass(ctx); err != nil {
				s.log.Error("queue pass failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SetHours swaps the calling-hours window applied to subsequent passes.
// Passing the zero value removes the restriction. Invalid bounds are
// rejected so a bad reload cannot open dialing around the clock.
func (s *Scheduler) SetHours(h CallingHours) error {
	if h != (CallingHours{}) {
		if err := h.Validate(); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
	}
	s.passMu.Lock()
	s.cfg.Hours = h
	s.passMu.Unlock()
	return nil
}

// RunPass executes one queue pass: list due entries, drop the ones outside
// their lead's calling window, claim the rest, and start dialing each claimed
// entry in its own goroutine. Entries outside the window are left untouched
// so a later pass picks them up. Returns immediately when a pass is already
// running or the health gate is closed.
func (s *Scheduler) RunPass(ctx context.Context) error {
	if !s.passMu.TryLock() {
		return nil
	}
	defer s.passMu.Unlock()

	if !s.gate.Allow() {
		s.log.Debug("dialing gated, skipping pass")
		return nil
	}

	now := s.now()
	entries, err := s.store.DueEntries(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("scheduler: list due entries: %w", err)
	}

	for i := range entries {
		entry := entries[i]
		if !s.cfg.Hours.Contains(now, entry.Timezone) {
			continue
		}
		claimed, err := s.store.Claim(ctx, entry.ID)
		if err != nil {
			s.log.Error("claim failed",
				slog.String("entry_id", entry.ID),
				slog.String("error", err.Error()))
			continue
		}
		if !claimed {
			// Another pass or instance won the entry.
			continue
		}
		s.wg.Add(1)
		go s.initiate(ctx, entry)
	}

	s.reportDepth(ctx)
	return nil
}

// Wait blocks until all in-flight initiations complete. Test hook and
// shutdown aid.
func (s *Scheduler) Wait() { s.wg.Wait() }

// initiate dials one claimed queue entry. It records the session before
// calling the vendor so webhooks that race the API response still find it.
func (s *Scheduler) initiate(ctx context.Context, entry store.CallQueueEntry) {
	defer s.wg.Done()

	log := s.log.With(
		slog.String("entry_id", entry.ID),
		slog.String("lead_ref", entry.LeadRef),
		slog.Int("attempt", entry.AttemptNumber))

	lead, err := s.store.GetLead(ctx, entry.LeadRef)
	if err != nil {
		log.Error("lead lookup failed", slog.String("error", err.Error()))
		s.skipEntry(ctx, entry.ID, log)
		return
	}
	if lead == nil || len(lead.PhoneNumbers) == 0 {
		log.Warn("lead missing or has no phone numbers, skipping entry")
		s.skipEntry(ctx, entry.ID, log)
		return
	}

	phoneIndex := entry.PhoneIndex % len(lead.PhoneNumbers)
	phone := lead.PhoneNumbers[phoneIndex]
	callID := uuid.NewString()
	log = log.With(slog.String("call_id", callID))

	sess := &store.CallSession{
		CallID:         callID,
		Provider:       s.provider.Name(),
		LeadRef:        entry.LeadRef,
		QueueEntryID:   entry.ID,
		Status:         telephony.StatusQueued,
		PhoneIndexUsed: phoneIndex,
		AttemptNumber:  entry.AttemptNumber,
		StartedAt:      s.now(),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		log.Error("create session failed", slog.String("error", err.Error()))
		s.skipEntry(ctx, entry.ID, log)
		return
	}

	req := telephony.InitiateRequest{
		To:                phone,
		From:              s.cfg.CallerID,
		StreamURL:         s.cfg.StreamURL,
		StatusCallbackURL: s.cfg.CallbackURL,
		RingTimeout:       s.cfg.RingTimeout,
		DetectMachine:     true,
		Record:            s.cfg.Record,
		Metadata: map[string]string{
			"call_id":  callID,
			"lead_ref": entry.LeadRef,
		},
	}

	start := s.now()
	res, err := s.provider.Initiate(ctx, req)
	if s.metrics != nil {
		s.metrics.InitiateDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCallInitiated(ctx, s.provider.Name(), "error")
			s.metrics.RecordProviderError(ctx, s.provider.Name(), string(telephony.KindOf(err)))
		}
		log.Error("initiate failed",
			slog.String("provider", s.provider.Name()),
			slog.Bool("retryable", telephony.IsRetryable(err)),
			slog.String("error", err.Error()))

		sess.Status = telephony.StatusFailed
		sess.HangupReason = "initiate_error"
		now := s.now()
		sess.EndedAt = &now
		if err := s.store.UpdateSession(ctx, sess); err != nil {
			log.Error("update session failed", slog.String("error", err.Error()))
		}
		if telephony.IsRetryable(err) {
			s.HandleTerminal(ctx, sess)
		} else if err := s.store.ResolveEntry(ctx, entry.ID, store.QueueCompleted); err != nil {
			log.Error("resolve entry failed", slog.String("error", err.Error()))
		}
		return
	}

	sess.ProviderCallID = res.ProviderCallID
	sess.Status = res.Status
	if err := s.store.UpdateSession(ctx, sess); err != nil {
		log.Error("update session failed", slog.String("error", err.Error()))
	}
	if s.metrics != nil {
		s.metrics.RecordCallInitiated(ctx, s.provider.Name(), "ok")
	}
	log.Info("call initiated",
		slog.String("provider", s.provider.Name()),
		slog.String("provider_call_id", res.ProviderCallID),
		slog.Int("phone_index", phoneIndex))
}

// HandleTerminal finishes a call's queue chain. It resolves the session's
// queue entry and, when the outcome is retryable and attempts remain,
// enqueues the next attempt with the lead's next phone number in rotation.
// Callers must invoke it exactly once per session.
func (s *Scheduler) HandleTerminal(ctx context.Context, sess *store.CallSession) {
	log := s.log.With(
		slog.String("call_id", sess.CallID),
		slog.String("lead_ref", sess.LeadRef),
		slog.Int("attempt", sess.AttemptNumber))

	if sess.QueueEntryID != "" {
		if err := s.store.ResolveEntry(ctx, sess.QueueEntryID, store.QueueCompleted); err != nil {
			log.Error("resolve entry failed", slog.String("error", err.Error()))
		}
	}
	if s.metrics != nil {
		s.metrics.RecordCallCompleted(ctx, sess.Provider, string(sess.Status))
		if sess.DurationSecs > 0 {
			s.metrics.CallDuration.Record(ctx, float64(sess.DurationSecs))
		}
	}

	outcome := s.rules.Classify(sess)
	log = log.With(slog.String("outcome", string(outcome)))

	switch outcome {
	case OutcomeSuccess, OutcomeFailure:
		log.Info("queue chain finished",
			slog.String("status", string(sess.Status)),
			slog.String("disposition", sess.Disposition))
		return
	case OutcomeRetry:
		if sess.AttemptNumber >= s.cfg.MaxAttempts {
			log.Info("attempts exhausted", slog.Int("max_attempts", s.cfg.MaxAttempts))
			return
		}
	}

	lead, err := s.store.GetLead(ctx, sess.LeadRef)
	if err != nil || lead == nil {
		log.Error("lead lookup for retry failed")
		return
	}
	phoneCount := len(lead.PhoneNumbers)
	if phoneCount == 0 {
		log.Warn("lead has no phone numbers, dropping retry")
		return
	}

	next := &store.CallQueueEntry{
		LeadRef:       sess.LeadRef,
		Status:        store.QueuePending,
		AttemptNumber: sess.AttemptNumber + 1,
		ScheduledTime: s.now().Add(s.delay.NextDelay(sess.AttemptNumber + 1)),
		Timezone:      lead.Timezone,
		PhoneIndex:    (sess.PhoneIndexUsed + 1) % phoneCount,
	}
	if err := s.store.Enqueue(ctx, next); err != nil {
		log.Error("enqueue retry failed", slog.String("error", err.Error()))
		return
	}
	if s.metrics != nil {
		s.metrics.Retries.Add(ctx, 1)
	}
	log.Info("retry scheduled",
		slog.Int("next_attempt", next.AttemptNumber),
		slog.Int("phone_index", next.PhoneIndex),
		slog.Time("scheduled_time", next.ScheduledTime))
}

func (s *Scheduler) skipEntry(ctx context.Context, entryID string, log *slog.Logger) {
	if err := s.store.ResolveEntry(ctx, entryID, store.QueueSkipped); err != nil {
		log.Error("resolve entry failed", slog.String("error", err.Error()))
	}
}

// reportDepth folds the current pending-queue depth into the gauge as a
// delta against the last observed value.
func (s *Scheduler) reportDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	depth, err := s.store.QueueDepth(ctx)
	if err != nil {
		return
	}
	s.depthMu.Lock()
	defer s.depthMu.Unlock()
	if delta := int64(depth) - s.lastDepth; delta != 0 {
		s.metrics.QueueDepth.Add(ctx, delta)
		s.lastDepth = int64(depth)
	}
}
