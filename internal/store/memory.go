package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time interface check.
var _ Store = (*Memory)(nil)

// Memory is an in-process Store for tests and single-node development. All
// methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	queue    map[string]*CallQueueEntry
	leads    map[string]*Lead
	sessions map[string]*CallSession
	webhooks []WebhookRecord
	health   []HealthEvent
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		queue:    make(map[string]*CallQueueEntry),
		leads:    make(map[string]*Lead),
		sessions: make(map[string]*CallSession),
	}
}

func (m *Memory) Enqueue(_ context.Context, entry *CallQueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.queue {
		if e.LeadRef == entry.LeadRef && (e.Status == QueuePending || e.Status == QueueClaimed) {
			return fmt.Errorf("store: lead %s already has an open queue entry", entry.LeadRef)
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = QueuePending
	}
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	cp := *entry
	m.queue[entry.ID] = &cp
	return nil
}

func (m *Memory) DueEntries(_ context.Context, now time.Time, limit int) ([]CallQueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []CallQueueEntry
	for _, e := range m.queue {
		if e.Status == QueuePending && !e.ScheduledTime.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledTime.Before(due[j].ScheduledTime) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) Claim(_ context.Context, entryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queue[entryID]
	if !ok || e.Status != QueuePending {
		return false, nil
	}
	e.Status = QueueClaimed
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) ResolveEntry(_ context.Context, entryID string, status QueueStatus) error {
	if status != QueueCompleted && status != QueueSkipped {
		return fmt.Errorf("store: resolve entry %s: invalid status %q", entryID, status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queue[entryID]
	if !ok {
		return fmt.Errorf("store: queue entry %s not found", entryID)
	}
	e.Status = status
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) QueueDepth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, e := range m.queue {
		if e.Status == QueuePending {
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetLead(_ context.Context, ref string) (*Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lead, ok := m.leads[ref]
	if !ok {
		return nil, nil
	}
	cp := *lead
	cp.PhoneNumbers = append([]string(nil), lead.PhoneNumbers...)
	return &cp, nil
}

func (m *Memory) UpsertLead(_ context.Context, lead *Lead) error {
	if lead.Ref == "" {
		return fmt.Errorf("store: lead ref is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *lead
	cp.PhoneNumbers = append([]string(nil), lead.PhoneNumbers...)
	m.leads[lead.Ref] = &cp
	return nil
}

func (m *Memory) CreateSession(_ context.Context, sess *CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess.CallID == "" {
		sess.CallID = uuid.NewString()
	}
	if _, exists := m.sessions[sess.CallID]; exists {
		return fmt.Errorf("store: session %s already exists", sess.CallID)
	}
	cp := *sess
	m.sessions[sess.CallID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, callID string) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[callID]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (m *Memory) GetSessionByProviderCallID(_ context.Context, provider, providerCallID string) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		if sess.Provider == provider && sess.ProviderCallID == providerCallID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) UpdateSession(_ context.Context, sess *CallSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sess.CallID]; !ok {
		return fmt.Errorf("store: session %s not found", sess.CallID)
	}
	cp := *sess
	m.sessions[sess.CallID] = &cp
	return nil
}

func (m *Memory) AppendWebhookRecord(_ context.Context, rec *WebhookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	m.webhooks = append(m.webhooks, *rec)
	return nil
}

func (m *Memory) AppendHealthEvent(_ context.Context, ev *HealthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	m.health = append(m.health, *ev)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

// WebhookRecords returns a copy of the audit log, for tests.
func (m *Memory) WebhookRecords() []WebhookRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]WebhookRecord(nil), m.webhooks...)
}

// HealthEvents returns a copy of the health event log, for tests.
func (m *Memory) HealthEvents() []HealthEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]HealthEvent(nil), m.health...)
}
