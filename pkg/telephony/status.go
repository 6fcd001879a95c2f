// Package telephony defines the vendor-neutral call model shared by every
// provider adapter: call statuses, normalized lifecycle events, answering
// machine detection results, recordings, and the error taxonomy.
//
// Everything in this package is pure data and mapping logic — no I/O. Provider
// adapters translate their vendor's vocabulary into these types exactly once,
// at the adapter boundary; the orchestrator and scheduler never see a raw
// vendor payload.
package telephony

import (
	"log/slog"
	"strings"
)

// CallStatus is the normalized lifecycle state of a call. Vendor status
// strings are mapped into this set by the provider adapters.
type CallStatus string

const (
	StatusQueued     CallStatus = "queued"
	StatusInitiated  CallStatus = "initiated"
	StatusRinging    CallStatus = "ringing"
	StatusInProgress CallStatus = "in_progress"
	StatusCompleted  CallStatus = "completed"
	StatusFailed     CallStatus = "failed"
	StatusBusy       CallStatus = "busy"
	StatusNoAnswer   CallStatus = "no_answer"
	StatusVoicemail  CallStatus = "voicemail"
	StatusCancelled  CallStatus = "cancelled"
)

// AllStatuses lists every normalized status. Used by validation and tests.
var AllStatuses = []CallStatus{
	StatusQueued, StatusInitiated, StatusRinging, StatusInProgress,
	StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer,
	StatusVoicemail, StatusCancelled,
}

// IsValid reports whether s is a recognised normalized status.
func (s CallStatus) IsValid() bool {
	switch s {
	case StatusQueued, StatusInitiated, StatusRinging, StatusInProgress,
		StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer,
		StatusVoicemail, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions can occur after s.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBusy, StatusNoAnswer, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the call is answered and has live media.
// in_progress is the only active state; voicemail counts as active because a
// machine answered and media may still flow.
func (s CallStatus) IsActive() bool {
	return s == StatusInProgress || s == StatusVoicemail
}

// IsRinging reports whether the call is placed but not yet answered.
func (s CallStatus) IsRinging() bool {
	switch s {
	case StatusQueued, StatusInitiated, StatusRinging:
		return true
	}
	return false
}

// IsFailed reports whether s is a terminal status that never reached a
// conversation: the callee was not connected.
func (s CallStatus) IsFailed() bool {
	switch s {
	case StatusFailed, StatusBusy, StatusNoAnswer, StatusCancelled:
		return true
	}
	return false
}

// statusPatterns maps substrings found in unknown vendor status strings to a
// normalized status. Checked in order; first match wins.
var statusPatterns = []struct {
	substr string
	status CallStatus
}{
	{"voicemail", StatusVoicemail},
	{"machine", StatusVoicemail},
	{"no-answer", StatusNoAnswer},
	{"no_answer", StatusNoAnswer},
	{"noanswer", StatusNoAnswer},
	{"busy", StatusBusy},
	{"cancel", StatusCancelled},
	{"progress", StatusInProgress},
	{"answer", StatusInProgress},
	{"bridg", StatusInProgress},
	{"ring", StatusRinging},
	{"init", StatusInitiated},
	{"queue", StatusQueued},
	{"complet", StatusCompleted},
	{"hangup", StatusCompleted},
	{"end", StatusCompleted},
	{"fail", StatusFailed},
	{"error", StatusFailed},
	{"reject", StatusFailed},
}

// InferStatus maps an unrecognised vendor status string to a normalized
// status by substring matching, falling back to def. It never fails: an
// unmatchable string produces def plus a warning, not an error, so a vendor
// introducing a new status value cannot break event processing.
func InferStatus(raw string, def CallStatus) CallStatus {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	for _, p := range statusPatterns {
		if strings.Contains(lowered, p.substr) {
			return p.status
		}
	}
	slog.Warn("telephony: unknown vendor status, using default",
		"raw_status", raw,
		"default", def,
	)
	return def
}
