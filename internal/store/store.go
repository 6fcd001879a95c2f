// Package store persists the dialing engine's state: the call queue, call
// sessions, the webhook audit log, and provider health events. Two
// implementations exist: Postgres for deployments and Memory for tests and
// single-node development.
package store

import (
	"context"
	"time"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/pkg/telephony"
)

// QueueStatus is the lifecycle state of a call queue entry.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueClaimed   QueueStatus = "claimed"
	QueueCompleted QueueStatus = "completed"
	QueueSkipped   QueueStatus = "skipped"
)

// CallQueueEntry is one scheduled dial attempt for a lead. At most one
// pending or claimed entry exists per lead at a time.
type CallQueueEntry struct {
	ID            string
	LeadRef       string
	Status        QueueStatus
	AttemptNumber int
	ScheduledTime time.Time
	Timezone      string
	PhoneIndex    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Lead is the externally owned contact consumed by the scheduler. Only the
// fields this engine reads are modeled.
type Lead struct {
	Ref             string
	FirstName       string
	LastName        string
	PropertyAddress string
	Timezone        string
	PhoneNumbers    []string
}

// CallSession is the live and archived record of one placed call. Status
// transitions are driven exclusively by normalized CallEvents; Disposition is
// first-write-wins.
type CallSession struct {
	CallID         string
	Provider       string
	ProviderCallID string
	LeadRef        string
	QueueEntryID   string
	Status         telephony.CallStatus
	PhoneIndexUsed int
	AttemptNumber  int
	StartedAt      time.Time
	AnsweredAt     *time.Time
	EndedAt        *time.Time
	DurationSecs   int
	Disposition    string
	HangupReason   string
	AMDResult      telephony.AMDResult
	AMDConfidence  float64
	RecordingRef   string
	Qualification  *agent.Qualification
	Transcript     []agent.Transcript
}

// WebhookRecord is one row of the webhook audit log, appended for every
// received vendor event regardless of processing outcome.
type WebhookRecord struct {
	ID             string
	Provider       string
	EventID        string
	ProviderCallID string
	EventType      string
	Status         string
	Payload        []byte
	ProcessErr     string
	ReceivedAt     time.Time
}

// HealthEvent records one provider probe outcome, failure or recovery.
type HealthEvent struct {
	ID             string
	Provider       string
	Healthy        bool
	ResponseTimeMs int64
	Detail         string
	At             time.Time
}

// Store is the persistence contract. Lookup methods return (nil, nil) when
// the record does not exist.
type Store interface {
	// Enqueue inserts a pending queue entry. It fails if the lead already
	// has a pending or claimed entry.
	Enqueue(ctx context.Context, entry *CallQueueEntry) error
	// DueEntries lists pending entries with scheduledTime <= now, oldest
	// first, up to limit. Calling-hours filtering happens in the scheduler;
	// returned entries are not claimed yet.
	DueEntries(ctx context.Context, now time.Time, limit int) ([]CallQueueEntry, error)
	// Claim atomically transitions one entry pending -> claimed. It reports
	// false when the entry was already claimed or resolved by another pass.
	Claim(ctx context.Context, entryID string) (bool, error)
	// ResolveEntry marks a claimed entry completed or skipped.
	ResolveEntry(ctx context.Context, entryID string, status QueueStatus) error
	// QueueDepth counts pending entries.
	QueueDepth(ctx context.Context) (int, error)

	GetLead(ctx context.Context, ref string) (*Lead, error)
	UpsertLead(ctx context.Context, lead *Lead) error

	CreateSession(ctx context.Context, sess *CallSession) error
	GetSession(ctx context.Context, callID string) (*CallSession, error)
	// GetSessionByProviderCallID resolves the vendor's call id to a session;
	// webhook handlers use it and treat a nil result as a benign no-op.
	GetSessionByProviderCallID(ctx context.Context, provider, providerCallID string) (*CallSession, error)
	UpdateSession(ctx context.Context, sess *CallSession) error

	AppendWebhookRecord(ctx context.Context, rec *WebhookRecord) error
	AppendHealthEvent(ctx context.Context, ev *HealthEvent) error

	// Ping verifies the backing storage is reachable, for readiness checks.
	Ping(ctx context.Context) error
}
