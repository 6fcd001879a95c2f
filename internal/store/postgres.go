package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/pkg/telephony"
)

// Schema is the SQL DDL for the dialing engine's tables. Execute it via
// [Postgres.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS leads (
    ref              TEXT PRIMARY KEY,
    first_name       TEXT NOT NULL DEFAULT '',
    last_name        TEXT NOT NULL DEFAULT '',
    property_address TEXT NOT NULL DEFAULT '',
    timezone         TEXT NOT NULL DEFAULT 'UTC',
    phone_numbers    JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS call_queue (
    id             TEXT PRIMARY KEY,
    lead_ref       TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    attempt_number INT NOT NULL DEFAULT 1,
    scheduled_time TIMESTAMPTZ NOT NULL,
    timezone       TEXT NOT NULL DEFAULT 'UTC',
    phone_index    INT NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_call_queue_due ON call_queue(status, scheduled_time);
CREATE UNIQUE INDEX IF NOT EXISTS idx_call_queue_open_lead
    ON call_queue(lead_ref) WHERE status IN ('pending', 'claimed');

CREATE TABLE IF NOT EXISTS call_sessions (
    call_id          TEXT PRIMARY KEY,
    provider         TEXT NOT NULL,
    provider_call_id TEXT NOT NULL DEFAULT '',
    lead_ref         TEXT NOT NULL,
    queue_entry_id   TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    phone_index_used INT NOT NULL DEFAULT 0,
    attempt_number   INT NOT NULL DEFAULT 1,
    started_at       TIMESTAMPTZ NOT NULL,
    answered_at      TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ,
    duration_secs    INT NOT NULL DEFAULT 0,
    disposition      TEXT NOT NULL DEFAULT '',
    hangup_reason    TEXT NOT NULL DEFAULT '',
    amd_result       TEXT NOT NULL DEFAULT '',
    amd_confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    recording_ref    TEXT NOT NULL DEFAULT '',
    qualification    JSONB,
    transcript       JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_provider
    ON call_sessions(provider, provider_call_id);

CREATE TABLE IF NOT EXISTS webhook_audit (
    id               TEXT PRIMARY KEY,
    provider         TEXT NOT NULL,
    event_id         TEXT NOT NULL DEFAULT '',
    provider_call_id TEXT NOT NULL DEFAULT '',
    event_type       TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT '',
    payload          BYTEA,
    process_err      TEXT NOT NULL DEFAULT '',
    received_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS health_events (
    id               TEXT PRIMARY KEY,
    provider         TEXT NOT NULL,
    healthy          BOOLEAN NOT NULL,
    response_time_ms BIGINT NOT NULL DEFAULT 0,
    detail           TEXT NOT NULL DEFAULT '',
    at               TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Postgres]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is a [Store] backed by PostgreSQL. Structured sub-fields
// (phone numbers, qualification, transcript) are serialised as JSONB.
type Postgres struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*Postgres)(nil)

// NewPostgres creates a Postgres store over the given connection or pool.
// Call [Postgres.Migrate] before issuing queries.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate executes the [Schema] DDL, creating tables and indexes if they do
// not already exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Enqueue(ctx context.Context, entry *CallQueueEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Status == "" {
		entry.Status = QueuePending
	}
	const query = `
		INSERT INTO call_queue (id, lead_ref, status, attempt_number, scheduled_time, timezone, phone_index)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		entry.ID, entry.LeadRef, entry.Status, entry.AttemptNumber,
		entry.ScheduledTime, entry.Timezone, entry.PhoneIndex,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: lead %s already has an open queue entry", entry.LeadRef)
		}
		return fmt.Errorf("store: enqueue: %w", err)
	}
	return nil
}

func (s *Postgres) DueEntries(ctx context.Context, now time.Time, limit int) ([]CallQueueEntry, error) {
	const query = `
		SELECT id, lead_ref, status, attempt_number, scheduled_time, timezone, phone_index, created_at, updated_at
		FROM call_queue
		WHERE status = 'pending' AND scheduled_time <= $1
		ORDER BY scheduled_time
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: due entries: %w", err)
	}
	defer rows.Close()

	var entries []CallQueueEntry
	for rows.Next() {
		var e CallQueueEntry
		if err := rows.Scan(
			&e.ID, &e.LeadRef, &e.Status, &e.AttemptNumber,
			&e.ScheduledTime, &e.Timezone, &e.PhoneIndex, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: due entries scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: due entries: %w", err)
	}
	return entries, nil
}

// Claim performs a conditional update so that exactly one concurrent caller
// wins the entry, even across overlapping scheduler passes.
func (s *Postgres) Claim(ctx context.Context, entryID string) (bool, error) {
	const query = `
		UPDATE call_queue SET status = 'claimed', updated_at = now()
		WHERE id = $1 AND status = 'pending'`

	tag, err := s.db.Exec(ctx, query, entryID)
	if err != nil {
		return false, fmt.Errorf("store: claim %s: %w", entryID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) ResolveEntry(ctx context.Context, entryID string, status QueueStatus) error {
	if status != QueueCompleted && status != QueueSkipped {
		return fmt.Errorf("store: resolve entry %s: invalid status %q", entryID, status)
	}
	const query = `UPDATE call_queue SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, entryID, status)
	if err != nil {
		return fmt.Errorf("store: resolve entry %s: %w", entryID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: queue entry %s not found", entryID)
	}
	return nil
}

func (s *Postgres) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM call_queue WHERE status = 'pending'`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("store: queue depth: %w", err)
	}
	return depth, nil
}

func (s *Postgres) GetLead(ctx context.Context, ref string) (*Lead, error) {
	const query = `
		SELECT ref, first_name, last_name, property_address, timezone, phone_numbers
		FROM leads WHERE ref = $1`

	var lead Lead
	var phonesJSON []byte
	err := s.db.QueryRow(ctx, query, ref).Scan(
		&lead.Ref, &lead.FirstName, &lead.LastName, &lead.PropertyAddress,
		&lead.Timezone, &phonesJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get lead %s: %w", ref, err)
	}
	if err := json.Unmarshal(phonesJSON, &lead.PhoneNumbers); err != nil {
		return nil, fmt.Errorf("store: unmarshal phone numbers: %w", err)
	}
	return &lead, nil
}

func (s *Postgres) UpsertLead(ctx context.Context, lead *Lead) error {
	if lead.Ref == "" {
		return fmt.Errorf("store: lead ref is required")
	}
	phonesJSON, err := json.Marshal(emptyStrings(lead.PhoneNumbers))
	if err != nil {
		return fmt.Errorf("store: marshal phone numbers: %w", err)
	}
	const query = `
		INSERT INTO leads (ref, first_name, last_name, property_address, timezone, phone_numbers)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (ref) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			property_address = EXCLUDED.property_address,
			timezone = EXCLUDED.timezone,
			phone_numbers = EXCLUDED.phone_numbers`

	if _, err := s.db.Exec(ctx, query,
		lead.Ref, lead.FirstName, lead.LastName, lead.PropertyAddress,
		lead.Timezone, phonesJSON,
	); err != nil {
		return fmt.Errorf("store: upsert lead %s: %w", lead.Ref, err)
	}
	return nil
}

func (s *Postgres) CreateSession(ctx context.Context, sess *CallSession) error {
	qualJSON, transcriptJSON, err := marshalSessionBlobs(sess)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO call_sessions (
			call_id, provider, provider_call_id, lead_ref, queue_entry_id, status,
			phone_index_used, attempt_number, started_at, answered_at, ended_at,
			duration_secs, disposition, hangup_reason, amd_result, amd_confidence,
			recording_ref, qualification, transcript
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`

	if _, err := s.db.Exec(ctx, query,
		sess.CallID, sess.Provider, sess.ProviderCallID, sess.LeadRef, sess.QueueEntryID, sess.Status,
		sess.PhoneIndexUsed, sess.AttemptNumber, sess.StartedAt, sess.AnsweredAt, sess.EndedAt,
		sess.DurationSecs, sess.Disposition, sess.HangupReason, string(sess.AMDResult), sess.AMDConfidence,
		sess.RecordingRef, qualJSON, transcriptJSON,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: session %s already exists", sess.CallID)
		}
		return fmt.Errorf("store: create session: %w", err)
	}
	return nil
}

const sessionColumns = `
	call_id, provider, provider_call_id, lead_ref, queue_entry_id, status,
	phone_index_used, attempt_number, started_at, answered_at, ended_at,
	duration_secs, disposition, hangup_reason, amd_result, amd_confidence,
	recording_ref, qualification, transcript`

func (s *Postgres) GetSession(ctx context.Context, callID string) (*CallSession, error) {
	query := `SELECT` + sessionColumns + ` FROM call_sessions WHERE call_id = $1`
	return s.scanSession(s.db.QueryRow(ctx, query, callID), callID)
}

func (s *Postgres) GetSessionByProviderCallID(ctx context.Context, provider, providerCallID string) (*CallSession, error) {
	query := `SELECT` + sessionColumns + ` FROM call_sessions WHERE provider = $1 AND provider_call_id = $2`
	return s.scanSession(s.db.QueryRow(ctx, query, provider, providerCallID), providerCallID)
}

func (s *Postgres) scanSession(row pgx.Row, key string) (*CallSession, error) {
	var sess CallSession
	var amdResult string
	var qualJSON, transcriptJSON []byte

	err := row.Scan(
		&sess.CallID, &sess.Provider, &sess.ProviderCallID, &sess.LeadRef, &sess.QueueEntryID, &sess.Status,
		&sess.PhoneIndexUsed, &sess.AttemptNumber, &sess.StartedAt, &sess.AnsweredAt, &sess.EndedAt,
		&sess.DurationSecs, &sess.Disposition, &sess.HangupReason, &amdResult, &sess.AMDConfidence,
		&sess.RecordingRef, &qualJSON, &transcriptJSON,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get session %s: %w", key, err)
	}
	sess.AMDResult = telephony.AMDResult(amdResult)
	if len(qualJSON) > 0 {
		var q agent.Qualification
		if err := json.Unmarshal(qualJSON, &q); err != nil {
			return nil, fmt.Errorf("store: unmarshal qualification: %w", err)
		}
		sess.Qualification = &q
	}
	if len(transcriptJSON) > 0 {
		if err := json.Unmarshal(transcriptJSON, &sess.Transcript); err != nil {
			return nil, fmt.Errorf("store: unmarshal transcript: %w", err)
		}
	}
	return &sess, nil
}

func (s *Postgres) UpdateSession(ctx context.Context, sess *CallSession) error {
	qualJSON, transcriptJSON, err := marshalSessionBlobs(sess)
	if err != nil {
		return err
	}
	const query = `
		UPDATE call_sessions SET
			provider_call_id = $2, status = $3, answered_at = $4, ended_at = $5,
			duration_secs = $6, disposition = $7, hangup_reason = $8,
			amd_result = $9, amd_confidence = $10, recording_ref = $11,
			qualification = $12, transcript = $13
		WHERE call_id = $1`

	tag, err := s.db.Exec(ctx, query,
		sess.CallID, sess.ProviderCallID, sess.Status, sess.AnsweredAt, sess.EndedAt,
		sess.DurationSecs, sess.Disposition, sess.HangupReason,
		string(sess.AMDResult), sess.AMDConfidence, sess.RecordingRef,
		qualJSON, transcriptJSON,
	)
	if err != nil {
		return fmt.Errorf("store: update session %s: %w", sess.CallID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: session %s not found", sess.CallID)
	}
	return nil
}

func (s *Postgres) AppendWebhookRecord(ctx context.Context, rec *WebhookRecord) error {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO webhook_audit (id, provider, event_id, provider_call_id, event_type, status, payload, process_err, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	if _, err := s.db.Exec(ctx, query,
		rec.ID, rec.Provider, rec.EventID, rec.ProviderCallID,
		rec.EventType, rec.Status, rec.Payload, rec.ProcessErr, rec.ReceivedAt,
	); err != nil {
		return fmt.Errorf("store: append webhook record: %w", err)
	}
	return nil
}

func (s *Postgres) AppendHealthEvent(ctx context.Context, ev *HealthEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	const query = `
		INSERT INTO health_events (id, provider, healthy, response_time_ms, detail, at)
		VALUES ($1,$2,$3,$4,$5,$6)`

	if _, err := s.db.Exec(ctx, query,
		ev.ID, ev.Provider, ev.Healthy, ev.ResponseTimeMs, ev.Detail, ev.At,
	); err != nil {
		return fmt.Errorf("store: append health event: %w", err)
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func marshalSessionBlobs(sess *CallSession) (qual, transcript []byte, err error) {
	if sess.Qualification != nil {
		qual, err = json.Marshal(sess.Qualification)
		if err != nil {
			return nil, nil, fmt.Errorf("store: marshal qualification: %w", err)
		}
	}
	entries := sess.Transcript
	if entries == nil {
		entries = []agent.Transcript{}
	}
	transcript, err = json.Marshal(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("store: marshal transcript: %w", err)
	}
	return qual, transcript, nil
}

// emptyStrings returns s if non-nil, otherwise an empty non-nil slice so JSON
// marshalling produces "[]" instead of "null".
func emptyStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isUniqueViolation checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
