package twilio

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/telroute/outdial/pkg/telephony"
)

// statusMap maps Twilio call status strings to normalized statuses. Values
// not in this table go through telephony.InferStatus.
var statusMap = map[string]telephony.CallStatus{
	"queued":      telephony.StatusQueued,
	"initiated":   telephony.StatusInitiated,
	"ringing":     telephony.StatusRinging,
	"in-progress": telephony.StatusInProgress,
	"completed":   telephony.StatusCompleted,
	"busy":        telephony.StatusBusy,
	"no-answer":   telephony.StatusNoAnswer,
	"failed":      telephony.StatusFailed,
	"canceled":    telephony.StatusCancelled,
}

// mapStatus normalizes a Twilio status string. Unknown strings fall back to
// substring inference with failed as the default.
func mapStatus(raw string) telephony.CallStatus {
	if s, ok := statusMap[strings.ToLower(raw)]; ok {
		return s
	}
	return telephony.InferStatus(raw, telephony.StatusFailed)
}

func mapRecordingStatus(raw string) telephony.RecordingStatus {
	switch strings.ToLower(raw) {
	case "completed":
		return telephony.RecordingReady
	case "in-progress", "processing", "paused":
		return telephony.RecordingProcessing
	case "absent", "deleted":
		return telephony.RecordingExpired
	default:
		return telephony.RecordingFailed
	}
}

// MapEvent converts one Twilio status callback (form-encoded) into a
// normalized CallEvent. It is pure and never fails on unknown status values;
// only a payload that cannot be parsed as a form at all is an error.
func (p *Provider) MapEvent(payload []byte, contentType string) (telephony.CallEvent, error) {
	_ = contentType // Twilio status callbacks are always form-encoded

	form, err := url.ParseQuery(string(payload))
	if err != nil {
		return telephony.CallEvent{}, telephony.NewError(telephony.ErrValidation, ProviderName, "bad_webhook", err.Error())
	}

	callSID := form.Get("CallSid")
	if callSID == "" {
		return telephony.CallEvent{}, telephony.NewError(telephony.ErrValidation, ProviderName, "missing_call_sid", "webhook has no CallSid")
	}

	status := mapStatus(form.Get("CallStatus"))
	ev := telephony.CallEvent{
		EventID:        eventID(callSID, form),
		Provider:       ProviderName,
		ProviderCallID: callSID,
		Type:           telephony.EventStatusChange,
		Status:         status,
		Timestamp:      parseTimestamp(form.Get("Timestamp")),
	}

	if status.IsTerminal() {
		ev.Type = telephony.EventHangup
		ev.HangupReason = strings.ToLower(form.Get("CallStatus"))
	}
	if d := form.Get("CallDuration"); d != "" {
		ev.DurationSecs, _ = strconv.Atoi(d)
	}
	if answeredBy := form.Get("AnsweredBy"); answeredBy != "" {
		ev.AMDResult = telephony.ParseAMDResult(answeredBy)
		// Twilio does not report a confidence; treat a definitive answer as 1.
		if ev.AMDResult != telephony.AMDUnknown {
			ev.AMDConfidence = 1
		}
	}
	if rec := form.Get("RecordingUrl"); rec != "" {
		ev.RecordingRef = rec
		if ev.Type == telephony.EventStatusChange {
			ev.Type = telephony.EventRecording
		}
	}
	return ev, nil
}

// eventID builds a stable identifier for idempotent processing. Twilio sends
// a SequenceNumber per callback; fall back to callSID+status when absent.
func eventID(callSID string, form url.Values) string {
	if seq := form.Get("SequenceNumber"); seq != "" {
		return fmt.Sprintf("%s-%s", callSID, seq)
	}
	return fmt.Sprintf("%s-%s", callSID, form.Get("CallStatus"))
}

func parseTimestamp(raw string) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC1123Z, raw); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
