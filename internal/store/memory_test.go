package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/internal/store"
	"github.com/telroute/outdial/pkg/telephony"
)

func TestMemory_QueueLifecycle(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	now := time.Now().UTC()

	entry := &store.CallQueueEntry{
		LeadRef:       "lead-1",
		AttemptNumber: 1,
		ScheduledTime: now.Add(-time.Minute),
		Timezone:      "America/New_York",
	}
	if err := m.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if entry.ID == "" {
		t.Fatal("Enqueue must assign an id")
	}
	if entry.Status != store.QueuePending {
		t.Fatalf("status = %q, want pending", entry.Status)
	}

	// One open entry per lead.
	if err := m.Enqueue(ctx, &store.CallQueueEntry{LeadRef: "lead-1", ScheduledTime: now}); err == nil {
		t.Fatal("second open entry for the same lead must be rejected")
	}

	due, err := m.DueEntries(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueEntries: %v", err)
	}
	if len(due) != 1 || due[0].ID != entry.ID {
		t.Fatalf("due = %+v, want the enqueued entry", due)
	}

	// A future entry is not due.
	future := &store.CallQueueEntry{LeadRef: "lead-2", ScheduledTime: now.Add(time.Hour)}
	if err := m.Enqueue(ctx, future); err != nil {
		t.Fatalf("Enqueue future: %v", err)
	}
	due, _ = m.DueEntries(ctx, now, 10)
	if len(due) != 1 {
		t.Fatalf("future entry leaked into due set: %+v", due)
	}

	ok, err := m.Claim(ctx, entry.ID)
	if err != nil || !ok {
		t.Fatalf("Claim = %v, %v; want true", ok, err)
	}
	// Second claim loses.
	ok, _ = m.Claim(ctx, entry.ID)
	if ok {
		t.Fatal("double claim must fail")
	}

	depth, _ := m.QueueDepth(ctx)
	if depth != 1 {
		t.Fatalf("depth = %d, want 1 (only the future entry pending)", depth)
	}

	if err := m.ResolveEntry(ctx, entry.ID, store.QueueCompleted); err != nil {
		t.Fatalf("ResolveEntry: %v", err)
	}
	if err := m.ResolveEntry(ctx, entry.ID, store.QueuePending); err == nil {
		t.Fatal("resolving to pending must be rejected")
	}

	// Once resolved, the lead may be enqueued again.
	if err := m.Enqueue(ctx, &store.CallQueueEntry{LeadRef: "lead-1", ScheduledTime: now}); err != nil {
		t.Fatalf("re-enqueue after completion: %v", err)
	}
}

func TestMemory_Sessions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	sess := &store.CallSession{
		Provider:       "twilio",
		ProviderCallID: "CA1",
		LeadRef:        "lead-1",
		Status:         telephony.StatusInitiated,
		StartedAt:      time.Now().UTC(),
	}
	if err := m.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.CallID == "" {
		t.Fatal("CreateSession must assign a call id")
	}

	got, err := m.GetSessionByProviderCallID(ctx, "twilio", "CA1")
	if err != nil {
		t.Fatalf("GetSessionByProviderCallID: %v", err)
	}
	if got == nil || got.CallID != sess.CallID {
		t.Fatalf("lookup by provider id = %+v", got)
	}

	// Unknown call resolves to nil, nil so handlers can no-op.
	got, err = m.GetSessionByProviderCallID(ctx, "twilio", "CA-unknown")
	if err != nil || got != nil {
		t.Fatalf("unknown call = %+v, %v; want nil, nil", got, err)
	}

	sess.Status = telephony.StatusCompleted
	sess.Qualification = &agent.Qualification{Status: agent.QualificationQualified}
	if err := m.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	got, _ = m.GetSession(ctx, sess.CallID)
	if got.Status != telephony.StatusCompleted || got.Qualification == nil {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestMemory_AuditLogs(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()

	if err := m.AppendWebhookRecord(ctx, &store.WebhookRecord{Provider: "telnyx", EventType: "call.hangup"}); err != nil {
		t.Fatalf("AppendWebhookRecord: %v", err)
	}
	if err := m.AppendHealthEvent(ctx, &store.HealthEvent{Provider: "twilio", Healthy: false, Detail: "probe timeout"}); err != nil {
		t.Fatalf("AppendHealthEvent: %v", err)
	}

	if recs := m.WebhookRecords(); len(recs) != 1 || recs[0].ID == "" || recs[0].ReceivedAt.IsZero() {
		t.Fatalf("webhook records = %+v", recs)
	}
	if evs := m.HealthEvents(); len(evs) != 1 || evs[0].Healthy {
		t.Fatalf("health events = %+v", evs)
	}
}
