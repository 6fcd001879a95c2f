package telephony

import (
	"strings"
	"time"
)

// EventType categorises a normalized CallEvent.
type EventType string

const (
	EventStatusChange EventType = "status_change"
	EventAMDResult    EventType = "amd_result"
	EventRecording    EventType = "recording"
	EventHangup       EventType = "hangup"
)

// AMDResult classifies what answered the call.
type AMDResult string

const (
	AMDHuman   AMDResult = "human"
	AMDMachine AMDResult = "machine"
	AMDFax     AMDResult = "fax"
	AMDUnknown AMDResult = "unknown"
)

// CallEvent is one normalized lifecycle event, produced by a provider adapter
// from exactly one vendor webhook and consumed exactly once by the
// orchestrator. It is ephemeral: the audit log keeps the raw payload, the
// CallSession keeps the durable outcome.
type CallEvent struct {
	// EventID uniquely identifies this event for idempotency checks. Adapters
	// use the vendor's event id when one exists and synthesise one otherwise.
	EventID string

	// Provider is the adapter name that produced this event.
	Provider string

	// ProviderCallID is the vendor's identifier for the call.
	ProviderCallID string

	Type      EventType
	Status    CallStatus
	Timestamp time.Time

	// HangupReason is the vendor's stated reason for call end, normalized to
	// lower case. Empty for non-terminal events.
	HangupReason string

	// AMDResult and AMDConfidence are set when the vendor reported an
	// answering machine detection outcome with this event.
	AMDResult     AMDResult
	AMDConfidence float64

	// RecordingRef is a vendor recording reference (URL or id) when the event
	// announced a recording.
	RecordingRef string

	// DurationSecs is the call duration reported by the vendor, if any.
	DurationSecs int
}

// NormalizeConfidence maps a vendor AMD confidence value onto [0,1].
// Vendors disagree on scale: some report 0.85, others 85. Values in (1,100]
// are treated as percentages; the result is always clamped to [0,1].
func NormalizeConfidence(raw float64) float64 {
	if raw > 1 && raw <= 100 {
		raw /= 100
	}
	if raw < 0 {
		return 0
	}
	if raw > 1 {
		return 1
	}
	return raw
}

// ParseAMDResult maps a vendor AMD answer string to an AMDResult. Unknown
// values map to AMDUnknown rather than failing.
func ParseAMDResult(raw string) AMDResult {
	switch {
	case containsAny(raw, "human", "person"):
		return AMDHuman
	case containsAny(raw, "machine", "voicemail", "answering"):
		return AMDMachine
	case containsAny(raw, "fax"):
		return AMDFax
	default:
		return AMDUnknown
	}
}

func containsAny(raw string, substrs ...string) bool {
	lowered := strings.ToLower(raw)
	for _, s := range substrs {
		if strings.Contains(lowered, s) {
			return true
		}
	}
	return false
}
