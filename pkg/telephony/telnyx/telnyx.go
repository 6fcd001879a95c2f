// Package telnyx implements the telephony.Provider interface for the Telnyx
// Call Control v2 API.
//
// Unlike Twilio's form-encoded API, Telnyx is JSON end to end: bearer-auth
// JSON REST calls, JSON webhooks wrapped in a data envelope, and a media
// streaming protocol that carries base64 PCMU frames.
package telnyx

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/telroute/outdial/pkg/telephony"
)

// ProviderName identifies this adapter in config, logs, and CallEvents.
const ProviderName = "telnyx"

const defaultBaseURL = "https://api.telnyx.com/v2"

// Compile-time interface check.
var _ telephony.Provider = (*Provider)(nil)

// Provider is a telephony.Provider backed by the Telnyx Call Control API.
type Provider struct {
	apiKey string
	// connectionID selects the Telnyx Call Control application used to place
	// calls.
	connectionID string
	baseURL      string
	httpClient   *http.Client

	mu  sync.Mutex
	amd telephony.AMDConfig
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL for tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Telnyx Provider. apiKey and connectionID are required.
func New(apiKey, connectionID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("telnyx: API key is required")
	}
	if connectionID == "" {
		return nil, fmt.Errorf("telnyx: connection ID is required")
	}
	p := &Provider{
		apiKey:       apiKey,
		connectionID: connectionID,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		amd:          telephony.AMDConfig{Enabled: true, Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the adapter name.
func (p *Provider) Name() string { return ProviderName }

// ConfigureAMD sets answering machine detection defaults for Initiate.
func (p *Provider) ConfigureAMD(cfg telephony.AMDConfig) {
	p.mu.Lock()
	p.amd = cfg
	p.mu.Unlock()
}

// dialRequest is the POST /calls body.
type dialRequest struct {
	To                string `json:"to"`
	From              string `json:"from"`
	ConnectionID      string `json:"connection_id"`
	WebhookURL        string `json:"webhook_url,omitempty"`
	StreamURL         string `json:"stream_url,omitempty"`
	StreamTrack       string `json:"stream_track,omitempty"`
	TimeoutSecs       int    `json:"timeout_secs,omitempty"`
	MachineDetection  string `json:"answering_machine_detection,omitempty"`
	Record            string `json:"record,omitempty"`
	RecordingChannels string `json:"record_channels,omitempty"`

	ClientState string `json:"client_state,omitempty"`
}

// callData is the call resource inside the response data envelope.
type callData struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	IsAlive       bool   `json:"is_alive"`
}

type dataEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// Initiate places a call via POST /calls with bidirectional media streaming
// to the bridge endpoint.
func (p *Provider) Initiate(ctx context.Context, req telephony.InitiateRequest) (telephony.InitiateResult, error) {
	p.mu.Lock()
	amd := p.amd
	p.mu.Unlock()

	body := dialRequest{
		To:           req.To,
		From:         req.From,
		ConnectionID: p.connectionID,
		WebhookURL:   req.StatusCallbackURL,
		StreamURL:    req.StreamURL,
		StreamTrack:  "both_tracks",
		ClientState:  encodeClientState(req.Metadata),
	}
	if req.RingTimeout > 0 {
		body.TimeoutSecs = int(req.RingTimeout.Seconds())
	}
	if req.DetectMachine && amd.Enabled {
		if amd.DetectMessageEnd {
			body.MachineDetection = "detect_beep"
		} else {
			body.MachineDetection = "detect"
		}
	}
	if req.Record {
		body.Record = "record-from-answer"
		body.RecordingChannels = "dual"
	}

	var call callData
	if err := p.postJSON(ctx, p.baseURL+"/calls", body, &call); err != nil {
		return telephony.InitiateResult{}, fmt.Errorf("telnyx: initiate: %w", err)
	}

	return telephony.InitiateResult{
		ProviderCallID: call.CallControlID,
		Status:         telephony.StatusInitiated,
	}, nil
}

// End hangs up a call via the hangup call-control action.
func (p *Provider) End(ctx context.Context, providerCallID, reason string) (telephony.CallStatus, error) {
	endpoint := fmt.Sprintf("%s/calls/%s/actions/hangup", p.baseURL, providerCallID)
	if err := p.postJSON(ctx, endpoint, map[string]string{}, nil); err != nil {
		return "", fmt.Errorf("telnyx: end call %s (%s): %w", providerCallID, reason, err)
	}
	return telephony.StatusCancelled, nil
}

// Status fetches call liveness. Telnyx only exposes alive/ended on the call
// resource; terminal detail arrives via webhooks.
func (p *Provider) Status(ctx context.Context, providerCallID string) (telephony.StatusResult, error) {
	var call callData
	endpoint := fmt.Sprintf("%s/calls/%s", p.baseURL, providerCallID)
	if err := p.get(ctx, endpoint, &call); err != nil {
		return telephony.StatusResult{}, fmt.Errorf("telnyx: get status %s: %w", providerCallID, err)
	}
	if call.IsAlive {
		return telephony.StatusResult{Status: telephony.StatusInProgress}, nil
	}
	return telephony.StatusResult{Status: telephony.StatusCompleted}, nil
}

// recordingData is the recording resource shape.
type recordingData struct {
	ID            string `json:"id"`
	CallControlID string `json:"call_control_id"`
	Status        string `json:"status"`
	DurationMs    int    `json:"duration_millis"`
	RecordingURLs struct {
		WAV string `json:"wav"`
		MP3 string `json:"mp3"`
	} `json:"recording_urls"`
	PublicURLs struct {
		WAV string `json:"wav"`
		MP3 string `json:"mp3"`
	} `json:"public_recording_urls"`
}

// Recording resolves ref — a raw recording webhook payload, a recording id,
// or a stored URL — into a normalized Recording.
func (p *Provider) Recording(ctx context.Context, ref string) (telephony.Recording, error) {
	ref = strings.TrimSpace(ref)

	switch {
	case strings.HasPrefix(ref, "{"):
		var data recordingData
		if err := json.Unmarshal([]byte(ref), &data); err != nil {
			return telephony.Recording{}, telephony.NewError(telephony.ErrValidation, ProviderName, "bad_recording_payload", err.Error())
		}
		return recordingFromData(data), nil

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return telephony.Recording{
			ID:       idFromURL(ref),
			URL:      ref,
			Format:   formatFromURL(ref),
			Status:   telephony.RecordingReady,
			Provider: ProviderName,
			// Telnyx recording links are pre-signed; no extra auth needed.
			RequiresAuth: false,
			AuthMethod:   telephony.AuthNone,
		}, nil

	default:
		var data recordingData
		endpoint := fmt.Sprintf("%s/recordings/%s", p.baseURL, ref)
		if err := p.get(ctx, endpoint, &data); err != nil {
			return telephony.Recording{}, fmt.Errorf("telnyx: get recording %s: %w", ref, err)
		}
		return recordingFromData(data), nil
	}
}

func recordingFromData(data recordingData) telephony.Recording {
	url := data.PublicURLs.WAV
	format := "wav"
	if url == "" {
		url = data.RecordingURLs.WAV
	}
	if url == "" {
		url = data.PublicURLs.MP3
		format = "mp3"
	}
	if url == "" {
		url = data.RecordingURLs.MP3
		format = "mp3"
	}
	return telephony.Recording{
		ID:           data.ID,
		CallID:       data.CallControlID,
		URL:          url,
		Format:       format,
		DurationSecs: data.DurationMs / 1000,
		Status:       mapRecordingStatus(data.Status),
		Provider:     ProviderName,
		RequiresAuth: false,
		AuthMethod:   telephony.AuthNone,
	}
}

// HealthCheck probes the phone numbers listing with a page size of one.
func (p *Provider) HealthCheck(ctx context.Context) telephony.HealthStatus {
	start := time.Now()
	err := p.get(ctx, p.baseURL+"/phone_numbers?page[size]=1", nil)
	return telephony.HealthStatus{
		Healthy:      err == nil,
		ResponseTime: time.Since(start),
		Err:          err,
	}
}

func idFromURL(u string) string {
	trimmed := u
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	trimmed = strings.TrimSuffix(trimmed, ".wav")
	trimmed = strings.TrimSuffix(trimmed, ".mp3")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

func formatFromURL(u string) string {
	if strings.Contains(u, ".mp3") {
		return "mp3"
	}
	return "wav"
}

func mapRecordingStatus(raw string) telephony.RecordingStatus {
	switch strings.ToLower(raw) {
	case "completed", "saved":
		return telephony.RecordingReady
	case "recording", "processing":
		return telephony.RecordingProcessing
	case "deleted", "expired":
		return telephony.RecordingExpired
	default:
		return telephony.RecordingFailed
	}
}

// apiErrors is the Telnyx error envelope.
type apiErrors struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

func (p *Provider) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return telephony.NewError(telephony.ErrConfiguration, ProviderName, "bad_request", err.Error())
	}
	return p.do(req, result)
}

func (p *Provider) postJSON(ctx context.Context, endpoint string, body, result any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return telephony.NewError(telephony.ErrValidation, ProviderName, "marshal", err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return telephony.NewError(telephony.ErrConfiguration, ProviderName, "bad_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req, result)
}

// do executes a request with bearer auth, unwraps the data envelope, and maps
// failures into the telephony error taxonomy.
func (p *Provider) do(req *http.Request, result any) error {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		kind := telephony.ErrNetwork
		if req.Context().Err() == context.DeadlineExceeded {
			kind = telephony.ErrTimeout
		}
		return telephony.NewError(kind, ProviderName, "transport", err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return telephony.NewError(telephony.ErrNetwork, ProviderName, "read_body", err.Error())
	}

	if resp.StatusCode >= 400 {
		var envelope apiErrors
		msg := strings.TrimSpace(string(body))
		code := ""
		if json.Unmarshal(body, &envelope) == nil && len(envelope.Errors) > 0 {
			msg = envelope.Errors[0].Title
			if envelope.Errors[0].Detail != "" {
				msg += ": " + envelope.Errors[0].Detail
			}
			code = envelope.Errors[0].Code
		}
		e := telephony.FromHTTPStatus(ProviderName, resp.StatusCode, msg)
		if code != "" {
			e.Code = code
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			e.Metadata = map[string]string{
				"limit":     resp.Header.Get("X-RateLimit-Limit"),
				"remaining": resp.Header.Get("X-RateLimit-Remaining"),
			}
		}
		return e
	}

	if result != nil {
		var envelope dataEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			return telephony.NewError(telephony.ErrValidation, ProviderName, "bad_response", err.Error())
		}
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return telephony.NewError(telephony.ErrValidation, ProviderName, "bad_response", err.Error())
		}
	}
	return nil
}

// encodeClientState packs Initiate metadata into Telnyx's opaque client_state
// field, echoed back on every webhook for this call.
func encodeClientState(metadata map[string]string) string {
	if len(metadata) == 0 {
		return ""
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}
