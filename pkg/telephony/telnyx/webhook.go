package telnyx

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/telroute/outdial/pkg/telephony"
)

// webhookEnvelope is the outer shape of every Telnyx webhook.
type webhookEnvelope struct {
	Data struct {
		EventType  string          `json:"event_type"`
		ID         string          `json:"id"`
		OccurredAt string          `json:"occurred_at"`
		Payload    json.RawMessage `json:"payload"`
	} `json:"data"`
}

// webhookPayload holds the union of payload fields across the event types we
// consume. Fields absent for an event type unmarshal to their zero value.
type webhookPayload struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	State         string `json:"state"`
	HangupCause   string `json:"hangup_cause"`
	HangupSource  string `json:"hangup_source"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`

	// call.machine.detection.ended / call.machine.greeting.ended
	Result string `json:"result"`

	// call.recording.saved
	RecordingID   string `json:"recording_id"`
	RecordingURLs struct {
		WAV string `json:"wav"`
		MP3 string `json:"mp3"`
	} `json:"recording_urls"`
	PublicURLs struct {
		WAV string `json:"wav"`
		MP3 string `json:"mp3"`
	} `json:"public_recording_urls"`
}

// hangupCauses maps Telnyx hangup_cause values onto normalized terminal
// statuses. Unknown causes fall through to StatusCompleted since the call did
// connect and end.
var hangupCauses = map[string]telephony.CallStatus{
	"normal_clearing":     telephony.StatusCompleted,
	"user_busy":           telephony.StatusBusy,
	"no_answer":           telephony.StatusNoAnswer,
	"timeout":             telephony.StatusNoAnswer,
	"originator_cancel":   telephony.StatusCancelled,
	"call_rejected":       telephony.StatusFailed,
	"unspecified":         telephony.StatusFailed,
	"invalid_destination": telephony.StatusFailed,
	"unallocated_number":  telephony.StatusFailed,
}

// MapEvent translates a Telnyx JSON webhook into a normalized CallEvent.
// Unrecognized event types and hangup causes degrade to sensible defaults
// rather than errors; only a structurally unusable payload fails.
func (p *Provider) MapEvent(payload []byte, contentType string) (telephony.CallEvent, error) {
	var envelope webhookEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return telephony.CallEvent{}, fmt.Errorf("telnyx: parse webhook: %w", err)
	}
	var body webhookPayload
	if len(envelope.Data.Payload) > 0 {
		if err := json.Unmarshal(envelope.Data.Payload, &body); err != nil {
			return telephony.CallEvent{}, fmt.Errorf("telnyx: parse webhook payload: %w", err)
		}
	}
	if body.CallControlID == "" {
		return telephony.CallEvent{}, fmt.Errorf("telnyx: webhook missing call_control_id")
	}

	event := telephony.CallEvent{
		EventID:        eventID(envelope.Data.ID, envelope.Data.EventType, body.CallControlID),
		Provider:       ProviderName,
		ProviderCallID: body.CallControlID,
		Type:           telephony.EventStatusChange,
		Timestamp:      parseTimestamp(envelope.Data.OccurredAt),
	}

	switch envelope.Data.EventType {
	case "call.initiated":
		event.Status = telephony.StatusInitiated

	case "call.ringing":
		event.Status = telephony.StatusRinging

	case "call.answered", "call.bridged":
		event.Status = telephony.StatusInProgress

	case "call.hangup":
		event.Type = telephony.EventHangup
		event.HangupReason = body.HangupCause
		status, ok := hangupCauses[strings.ToLower(body.HangupCause)]
		if !ok {
			status = telephony.InferStatus(body.HangupCause, telephony.StatusCompleted)
		}
		event.Status = status
		event.DurationSecs = callDuration(body.StartTime, body.EndTime)

	case "call.machine.detection.ended", "call.machine.greeting.ended":
		event.Type = telephony.EventAMDResult
		event.Status = telephony.StatusInProgress
		event.AMDResult = mapAMDResult(body.Result)
		// Telnyx reports a verdict without a score; not_sure carries low
		// confidence, definitive verdicts full confidence.
		if event.AMDResult == telephony.AMDUnknown {
			event.AMDConfidence = 0
		} else {
			event.AMDConfidence = 1
		}

	case "call.recording.saved":
		event.Type = telephony.EventRecording
		event.Status = telephony.StatusInProgress
		event.RecordingRef = recordingRef(body)

	default:
		// Unknown event type. Keep the call alive rather than guess at a
		// terminal state.
		event.Status = telephony.InferStatus(envelope.Data.EventType, telephony.StatusInProgress)
	}

	return event, nil
}

func mapAMDResult(raw string) telephony.AMDResult {
	switch strings.ToLower(raw) {
	case "human":
		return telephony.AMDHuman
	case "machine", "silence":
		return telephony.AMDMachine
	case "fax":
		return telephony.AMDFax
	default:
		return telephony.AMDUnknown
	}
}

// recordingRef prefers a direct URL and falls back to the recording id for a
// later API fetch.
func recordingRef(body webhookPayload) string {
	for _, u := range []string{
		body.PublicURLs.WAV, body.RecordingURLs.WAV,
		body.PublicURLs.MP3, body.RecordingURLs.MP3,
	} {
		if u != "" {
			return u
		}
	}
	return body.RecordingID
}

func eventID(webhookID, eventType, callControlID string) string {
	if webhookID != "" {
		return webhookID
	}
	return callControlID + "-" + eventType
}

func parseTimestamp(raw string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	return time.Now().UTC()
}

func callDuration(startRaw, endRaw string) int {
	start, err := time.Parse(time.RFC3339Nano, startRaw)
	if err != nil {
		return 0
	}
	end, err := time.Parse(time.RFC3339Nano, endRaw)
	if err != nil {
		return 0
	}
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Seconds())
}
