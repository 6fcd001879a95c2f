package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

// fakeProvider records Initiate requests and returns sequential provider
// call IDs, or a configured error.
type fakeProvider struct {
	mu          sync.Mutex
	requests    []telephony.InitiateRequest
	initiateErr error
	nextID      int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Initiate(_ context.Context, req telephony.InitiateRequest) (telephony.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initiateErr != nil {
		return telephony.InitiateResult{}, f.initiateErr
	}
	f.requests = append(f.requests, req)
	f.nextID++
	return telephony.InitiateResult{
		ProviderCallID: fmt.Sprintf("pc-%d", f.nextID),
		Status:         telephony.StatusInitiated,
	}, nil
}

func (f *fakeProvider) End(context.Context, string, string) (telephony.CallStatus, error) {
	return telephony.StatusCancelled, nil
}

func (f *fakeProvider) Status(context.Context, string) (telephony.StatusResult, error) {
	return telephony.StatusResult{}, nil
}

func (f *fakeProvider) Recording(context.Context, string) (telephony.Recording, error) {
	return telephony.Recording{}, nil
}

func (f *fakeProvider) ConfigureAMD(telephony.AMDConfig) {}

func (f *fakeProvider) HealthCheck(context.Context) telephony.HealthStatus {
	return telephony.HealthStatus{Healthy: true}
}

func (f *fakeProvider) MapEvent([]byte, string) (telephony.CallEvent, error) {
	return telephony.CallEvent{}, nil
}

func (f *fakeProvider) dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.requests))
	for i, r := range f.requests {
		out[i] = r.To
	}
	return out
}

// openGate always allows dialing.
type openGate struct{}

func (openGate) Allow() bool { return true }

// closedGate never allows dialing.
type closedGate struct{}

func (closedGate) Allow() bool { return false }

func newTestScheduler(t *testing.T, st store.Store, p telephony.Provider, gate Gate, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	if cfg.CallerID == "" {
		cfg.CallerID = "+15550001111"
	}
	opts = append(opts, WithDelayPolicy(FixedDelay{Delay: 0}))
	s, err := New(st, p, gate, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func enqueueLead(t *testing.T, st store.Store, phones []string, timezone string) store.CallQueueEntry {
	t.Helper()
	ctx := context.Background()
	if err := st.UpsertLead(ctx, &store.Lead{
		Ref:          "lead-1",
		FirstName:    "Jordan",
		Timezone:     timezone,
		PhoneNumbers: phones,
	}); err != nil {
		t.Fatalf("UpsertLead: %v", err)
	}
	entry := store.CallQueueEntry{
		LeadRef:       "lead-1",
		AttemptNumber: 1,
		ScheduledTime: time.Now().Add(-time.Minute),
		Timezone:      timezone,
	}
	if err := st.Enqueue(ctx, &entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return entry
}

func TestScheduler_PhoneRotation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{}
	phones := []string{"+15550000001", "+15550000002", "+15550000003"}
	enqueueLead(t, st, phones, "UTC")

	s := newTestScheduler(t, st, p, openGate{}, Config{MaxAttempts: 3})

	// Three passes, failing each attempt with no_answer in between.
	for attempt := 1; attempt <= 3; attempt++ {
		if err := s.RunPass(ctx); err != nil {
			t.Fatalf("RunPass %d: %v", attempt, err)
		}
		s.Wait()

		dialed := p.dialed()
		if len(dialed) != attempt {
			t.Fatalf("after pass %d dialed %d calls, want %d", attempt, len(dialed), attempt)
		}
		want := phones[attempt-1]
		if dialed[attempt-1] != want {
			t.Errorf("attempt %d dialed %s, want %s", attempt, dialed[attempt-1], want)
		}

		sess, err := st.GetSessionByProviderCallID(ctx, "fake", fmt.Sprintf("pc-%d", attempt))
		if err != nil || sess == nil {
			t.Fatalf("session for attempt %d not found: %v", attempt, err)
		}
		if sess.AttemptNumber != attempt {
			t.Errorf("session attempt = %d, want %d", sess.AttemptNumber, attempt)
		}
		sess.Status = telephony.StatusNoAnswer
		if err := st.UpdateSession(ctx, sess); err != nil {
			t.Fatalf("UpdateSession: %v", err)
		}
		s.HandleTerminal(ctx, sess)
	}

	// All attempts exhausted: no fourth entry may exist.
	depth, err := st.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth after exhausted attempts = %d, want 0", depth)
	}
	if err := s.RunPass(ctx); err != nil {
		t.Fatalf("final RunPass: %v", err)
	}
	s.Wait()
	if got := len(p.dialed()); got != 3 {
		t.Errorf("total dials = %d, want 3", got)
	}
}

func TestScheduler_CallingHoursLeaveEntryUntouched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{}
	entry := enqueueLead(t, st, []string{"+15550000001"}, "America/New_York")

	// 01:00 UTC is 20:00 the previous evening in New York (EST), outside a
	// 09:00-19:00 window. The date must stay ahead of the wall clock so the
	// entry enqueued relative to time.Now() is due at the fake clock's time.
	evening := time.Date(2027, time.January, 15, 1, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, st, p, openGate{}, Config{
		MaxAttempts: 3,
		Hours:       CallingHours{Start: "09:00", End: "19:00"},
	}, WithClock(func() time.Time { return evening }))

	if err := s.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	s.Wait()

	if got := len(p.dialed()); got != 0 {
		t.Fatalf("dialed %d calls outside calling hours, want 0", got)
	}

	// The entry must still be pending with its schedule unchanged.
	due, err := st.DueEntries(ctx, evening, 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due entries = %d, want 1", len(due))
	}
	if due[0].Status != store.QueuePending {
		t.Errorf("entry status = %s, want %s", due[0].Status, store.QueuePending)
	}
	if !due[0].ScheduledTime.Equal(entry.ScheduledTime) {
		t.Errorf("scheduled time changed: %v, want %v", due[0].ScheduledTime, entry.ScheduledTime)
	}

	// A pass during the window dials it.
	noon := time.Date(2027, time.January, 15, 17, 0, 0, 0, time.UTC) // 12:00 in New York
	s2 := newTestScheduler(t, st, p, openGate{}, Config{
		MaxAttempts: 3,
		Hours:       CallingHours{Start: "09:00", End: "19:00"},
	}, WithClock(func() time.Time { return noon }))
	if err := s2.RunPass(ctx); err != nil {
		t.Fatalf("RunPass in window: %v", err)
	}
	s2.Wait()
	if got := len(p.dialed()); got != 1 {
		t.Errorf("dialed %d calls in window, want 1", got)
	}
}

func TestScheduler_GateClosedSkipsPass(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{}
	enqueueLead(t, st, []string{"+15550000001"}, "UTC")

	s := newTestScheduler(t, st, p, closedGate{}, Config{})
	if err := s.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	s.Wait()

	if got := len(p.dialed()); got != 0 {
		t.Errorf("dialed %d calls while gated, want 0", got)
	}
	due, _ := st.DueEntries(ctx, time.Now(), 10)
	if len(due) != 1 {
		t.Errorf("due entries = %d, want 1 (entry untouched)", len(due))
	}
}

func TestScheduler_ClaimedEntryNotRedialed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{}
	enqueueLead(t, st, []string{"+15550000001"}, "UTC")

	s := newTestScheduler(t, st, p, openGate{}, Config{})
	for i := 0; i < 3; i++ {
		if err := s.RunPass(ctx); err != nil {
			t.Fatalf("RunPass %d: %v", i, err)
		}
		s.Wait()
	}

	if got := len(p.dialed()); got != 1 {
		t.Errorf("dialed %d calls for one entry, want 1", got)
	}
}

func TestScheduler_RetryableInitiateErrorRequeues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{
		initiateErr: telephony.NewError(telephony.ErrServiceUnavailable, "fake", "503", "down"),
	}
	enqueueLead(t, st, []string{"+15550000001", "+15550000002"}, "UTC")

	s := newTestScheduler(t, st, p, openGate{}, Config{MaxAttempts: 3})
	if err := s.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	s.Wait()

	// The failed attempt must have scheduled a retry on the next phone.
	due, err := st.DueEntries(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due entries after retryable failure = %d, want 1", len(due))
	}
	if due[0].AttemptNumber != 2 {
		t.Errorf("retry attempt = %d, want 2", due[0].AttemptNumber)
	}
	if due[0].PhoneIndex != 1 {
		t.Errorf("retry phone index = %d, want 1", due[0].PhoneIndex)
	}
}

func TestScheduler_NonRetryableInitiateErrorStops(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{
		initiateErr: telephony.NewError(telephony.ErrAuthentication, "fake", "401", "bad key"),
	}
	enqueueLead(t, st, []string{"+15550000001"}, "UTC")

	s := newTestScheduler(t, st, p, openGate{}, Config{MaxAttempts: 3})
	if err := s.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	s.Wait()

	depth, err := st.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth after non-retryable failure = %d, want 0", depth)
	}
}

func TestScheduler_MissingLeadSkipsEntry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{}
	entry := store.CallQueueEntry{
		LeadRef:       "ghost",
		AttemptNumber: 1,
		ScheduledTime: time.Now().Add(-time.Minute),
		Timezone:      "UTC",
	}
	if err := st.Enqueue(ctx, &entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	s := newTestScheduler(t, st, p, openGate{}, Config{})
	if err := s.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	s.Wait()

	if got := len(p.dialed()); got != 0 {
		t.Errorf("dialed %d calls for missing lead, want 0", got)
	}
	depth, _ := st.QueueDepth(ctx)
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0 (entry skipped)", depth)
	}
}

func TestScheduler_TerminalSuccessEndsChain(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{}
	enqueueLead(t, st, []string{"+15550000001", "+15550000002"}, "UTC")

	s := newTestScheduler(t, st, p, openGate{}, Config{MaxAttempts: 3})
	if err := s.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	s.Wait()

	sess, err := st.GetSessionByProviderCallID(ctx, "fake", "pc-1")
	if err != nil || sess == nil {
		t.Fatalf("session not found: %v", err)
	}
	sess.Status = telephony.StatusCompleted
	sess.Disposition = "qualified"
	if err := st.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	s.HandleTerminal(ctx, sess)

	depth, _ := st.QueueDepth(ctx)
	if depth != 0 {
		t.Errorf("queue depth after completed call = %d, want 0", depth)
	}
}

func TestScheduler_MachineDetectionRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := &fakeProvider{}
	enqueueLead(t, st, []string{"+15550000001"}, "UTC")

	s := newTestScheduler(t, st, p, openGate{}, Config{MaxAttempts: 3})
	if err := s.RunPass(ctx); err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	s.Wait()

	sess, err := st.GetSessionByProviderCallID(ctx, "fake", "pc-1")
	if err != nil || sess == nil {
		t.Fatalf("session not found: %v", err)
	}
	sess.Status = telephony.StatusCompleted
	sess.AMDResult = telephony.AMDMachine
	if err := st.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	s.HandleTerminal(ctx, sess)

	// Machine answer beats the completed status: retry scheduled, same
	// phone since the lead has only one number.
	due, err := st.DueEntries(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due entries = %d, want 1", len(due))
	}
	if due[0].PhoneIndex != 0 {
		t.Errorf("phone index = %d, want 0", due[0].PhoneIndex)
	}
}
