package telephony

import (
	"context"
	"time"
)

// InitiateRequest describes one outbound call attempt.
type InitiateRequest struct {
	To   string
	From string

	// StreamURL is the WebSocket URL the vendor should connect its media
	// stream to once the call is answered.
	StreamURL string

	// StatusCallbackURL receives the vendor's lifecycle webhooks.
	StatusCallbackURL string

	// RingTimeout bounds how long the vendor lets the call ring.
	RingTimeout time.Duration

	// DetectMachine enables answering machine detection for this call.
	DetectMachine bool

	// Record enables call recording at the vendor.
	Record bool

	// Metadata is passed through to the vendor as custom parameters where the
	// vendor supports it, and echoed back on the media stream start message.
	Metadata map[string]string
}

// InitiateResult is the immediate outcome of placing a call.
type InitiateResult struct {
	ProviderCallID string
	Status         CallStatus
}

// StatusResult is a point-in-time call status snapshot fetched from the vendor.
type StatusResult struct {
	Status        CallStatus
	DurationSecs  int
	AMDResult     AMDResult
	AMDConfidence float64
}

// AMDConfig tunes answering machine detection at the vendor.
type AMDConfig struct {
	Enabled bool

	// DetectMessageEnd waits for the machine greeting to finish before
	// reporting, so a message can be left after the beep.
	DetectMessageEnd bool

	// Timeout bounds how long detection may run before reporting unknown.
	Timeout time.Duration
}

// HealthStatus is the result of one provider health probe.
type HealthStatus struct {
	Healthy      bool
	ResponseTime time.Duration
	Err          error
}

// Provider is the single capability interface every telephony vendor adapter
// implements. All methods must respect ctx deadlines and must map vendor
// failures into the *Error taxonomy — callers never handle vendor-shaped
// errors.
type Provider interface {
	// Name returns the stable adapter name ("twilio", "telnyx").
	Name() string

	// Initiate places an outbound call. It must not block beyond the ctx
	// deadline; the call's further lifecycle arrives via webhooks.
	Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error)

	// End terminates an in-progress or ringing call at the vendor.
	End(ctx context.Context, providerCallID, reason string) (CallStatus, error)

	// Status fetches the current call state from the vendor.
	Status(ctx context.Context, providerCallID string) (StatusResult, error)

	// Recording resolves ref — either a raw recording webhook payload or a
	// stored URL string — into a normalized Recording.
	Recording(ctx context.Context, ref string) (Recording, error)

	// ConfigureAMD sets the adapter's answering machine detection defaults
	// for subsequent Initiate calls.
	ConfigureAMD(cfg AMDConfig)

	// HealthCheck probes the vendor API. It must return within the ctx
	// deadline; a timeout is reported as an unhealthy result, not a panic.
	HealthCheck(ctx context.Context) HealthStatus

	// MapEvent converts one raw vendor webhook payload into a normalized
	// CallEvent. It is a pure function: unknown status strings fall back to
	// substring inference and then to a default status, never to an error.
	MapEvent(payload []byte, contentType string) (CallEvent, error)
}
