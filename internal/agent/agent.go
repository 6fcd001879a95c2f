// Package agent defines the contract between the audio bridge and the remote
// conversational voice-AI engine. The engine is an opaque WebSocket peer with
// a fixed media contract: 16-bit linear PCM at 16 kHz mono in both directions,
// plus structured JSON control messages (transcript deltas, a one-shot
// qualification result).
package agent

import (
	"context"
	"time"
)

// Role tags a transcript line by speaker.
type Role string

const (
	RoleCaller Role = "caller"
	RoleAgent  Role = "agent"
)

// Transcript is one finalized line of conversation speech.
type Transcript struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// QualificationStatus is the engine's verdict on the lead at call end.
type QualificationStatus string

const (
	QualificationQualified    QualificationStatus = "qualified"
	QualificationDisqualified QualificationStatus = "disqualified"
	QualificationCallback     QualificationStatus = "callback"
	QualificationUndecided    QualificationStatus = "undecided"
)

// Qualification is the structured result the engine extracts from the
// conversation. Parsed once at the engine boundary; never passed around as
// raw JSON text.
type Qualification struct {
	Status       QualificationStatus `json:"status"`
	Sentiment    string              `json:"sentiment,omitempty"`
	Disposition  string              `json:"disposition,omitempty"`
	CallbackTime *time.Time          `json:"callback_time,omitempty"`
	Answers      []Answer            `json:"answers,omitempty"`
}

// Answer pairs a qualifying question with the lead's response.
type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// SessionConfig carries everything a session needs at handshake time.
type SessionConfig struct {
	// Voice selects the engine voice by id; empty uses the engine default.
	Voice string
	// Instructions is the fully composed behavior prompt, built by
	// ComposeInstructions from the call script and lead variables.
	Instructions string
}

// Session is one live engine conversation. Audio in both directions is PCM16
// 16 kHz mono. The session owns its channels: Audio, Transcripts, and
// Qualifications are closed when the session ends.
type Session interface {
	// SendAudio delivers one chunk of caller audio to the engine.
	SendAudio(chunk []byte) error
	// Audio streams the engine's synthesized speech.
	Audio() <-chan []byte
	// Transcripts streams finalized, role-tagged transcript lines.
	Transcripts() <-chan Transcript
	// Qualifications delivers the structured result; at most one value is
	// ever sent.
	Qualifications() <-chan Qualification
	// Interrupt cancels any in-flight engine response, for barge-in.
	Interrupt() error
	// Err reports the error that terminated the session, if any.
	Err() error
	// Close tears the session down. Idempotent.
	Close() error
}

// Engine opens sessions against a voice-AI engine.
type Engine interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
