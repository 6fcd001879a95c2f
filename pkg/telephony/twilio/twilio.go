// Package twilio implements the telephony.Provider interface for the Twilio
// Programmable Voice API.
//
// Calls are placed through the form-encoded REST API with basic auth;
// lifecycle events arrive as form-encoded status callbacks; live audio flows
// over Twilio Media Streams (μ-law, 8 kHz, base64 in JSON frames).
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/telroute/outdial/pkg/telephony"
)

// ProviderName identifies this adapter in config, logs, and CallEvents.
const ProviderName = "twilio"

const defaultBaseURL = "https://api.twilio.com/2010-04-01"

// Compile-time interface check.
var _ telephony.Provider = (*Provider)(nil)

// Provider is a telephony.Provider backed by the Twilio REST API.
type Provider struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client

	mu  sync.Mutex
	amd telephony.AMDConfig
}

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the Twilio API base URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a Twilio Provider. accountSID and authToken are required.
func New(accountSID, authToken string, opts ...Option) (*Provider, error) {
	if accountSID == "" {
		return nil, fmt.Errorf("twilio: account SID is required")
	}
	if authToken == "" {
		return nil, fmt.Errorf("twilio: auth token is required")
	}
	p := &Provider{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		amd:        telephony.AMDConfig{Enabled: true, Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns the adapter name.
func (p *Provider) Name() string { return ProviderName }

// ConfigureAMD sets the answering machine detection defaults applied to
// subsequent Initiate calls.
func (p *Provider) ConfigureAMD(cfg telephony.AMDConfig) {
	p.mu.Lock()
	p.amd = cfg
	p.mu.Unlock()
}

// callResource is the Twilio call resource shape returned by the REST API.
type callResource struct {
	SID        string `json:"sid"`
	Status     string `json:"status"`
	Duration   string `json:"duration"`
	AnsweredBy string `json:"answered_by"`
}

// apiError is Twilio's JSON error body.
type apiError struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	MoreInfo string `json:"more_info"`
	Status   int    `json:"status"`
}

// Initiate places an outbound call via POST /Calls.json with a Media Streams
// TwiML document so answered calls connect straight to our bridge endpoint.
func (p *Provider) Initiate(ctx context.Context, req telephony.InitiateRequest) (telephony.InitiateResult, error) {
	p.mu.Lock()
	amd := p.amd
	p.mu.Unlock()

	data := url.Values{}
	data.Set("To", req.To)
	data.Set("From", req.From)
	data.Set("Twiml", streamTwiML(req.StreamURL, req.Metadata))
	if req.StatusCallbackURL != "" {
		data.Set("StatusCallback", req.StatusCallbackURL)
		for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
			data.Add("StatusCallbackEvent", ev)
		}
	}
	if req.RingTimeout > 0 {
		data.Set("Timeout", strconv.Itoa(int(req.RingTimeout.Seconds())))
	}
	if req.DetectMachine && amd.Enabled {
		if amd.DetectMessageEnd {
			data.Set("MachineDetection", "DetectMessageEnd")
		} else {
			data.Set("MachineDetection", "Enable")
		}
		if amd.Timeout > 0 {
			data.Set("MachineDetectionTimeout", strconv.Itoa(int(amd.Timeout.Seconds())))
		}
	}
	if req.Record {
		data.Set("Record", "true")
		data.Set("RecordingChannels", "dual")
	}

	var call callResource
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls.json", p.baseURL, p.accountSID)
	if err := p.postForm(ctx, endpoint, data, &call); err != nil {
		return telephony.InitiateResult{}, fmt.Errorf("twilio: initiate: %w", err)
	}

	return telephony.InitiateResult{
		ProviderCallID: call.SID,
		Status:         mapStatus(call.Status),
	}, nil
}

// End terminates a call by updating its status to completed.
func (p *Provider) End(ctx context.Context, providerCallID, reason string) (telephony.CallStatus, error) {
	data := url.Values{}
	data.Set("Status", "completed")

	var call callResource
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", p.baseURL, p.accountSID, providerCallID)
	if err := p.postForm(ctx, endpoint, data, &call); err != nil {
		return "", fmt.Errorf("twilio: end call %s (%s): %w", providerCallID, reason, err)
	}
	return mapStatus(call.Status), nil
}

// Status fetches the current state of a call from the REST API.
func (p *Provider) Status(ctx context.Context, providerCallID string) (telephony.StatusResult, error) {
	var call callResource
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", p.baseURL, p.accountSID, providerCallID)
	if err := p.get(ctx, endpoint, &call); err != nil {
		return telephony.StatusResult{}, fmt.Errorf("twilio: get status %s: %w", providerCallID, err)
	}

	res := telephony.StatusResult{Status: mapStatus(call.Status)}
	if call.Duration != "" {
		res.DurationSecs, _ = strconv.Atoi(call.Duration)
	}
	if call.AnsweredBy != "" {
		res.AMDResult = telephony.ParseAMDResult(call.AnsweredBy)
	}
	return res, nil
}

// recordingResource is the Twilio recording resource shape.
type recordingResource struct {
	SID      string `json:"sid"`
	CallSID  string `json:"call_sid"`
	Status   string `json:"status"`
	Duration string `json:"duration"`
	URI      string `json:"uri"`
}

// Recording resolves ref into a normalized Recording. ref may be a stored URL
// string, a bare recording SID, or the raw JSON of a recording webhook — all
// three round-trip through this method.
func (p *Provider) Recording(ctx context.Context, ref string) (telephony.Recording, error) {
	ref = strings.TrimSpace(ref)

	switch {
	case strings.HasPrefix(ref, "{"):
		// Raw recording webhook payload.
		var res recordingResource
		if err := json.Unmarshal([]byte(ref), &res); err != nil {
			return telephony.Recording{}, telephony.NewError(telephony.ErrValidation, ProviderName, "bad_recording_payload", err.Error())
		}
		return p.recordingFromResource(res), nil

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		// Stored URL string.
		return telephony.Recording{
			ID:           recordingSIDFromURL(ref),
			URL:          ref,
			Format:       "wav",
			Status:       telephony.RecordingReady,
			Provider:     ProviderName,
			RequiresAuth: true,
			AuthMethod:   telephony.AuthBasic,
		}, nil

	default:
		// Bare recording SID: fetch the resource.
		var res recordingResource
		endpoint := fmt.Sprintf("%s/Accounts/%s/Recordings/%s.json", p.baseURL, p.accountSID, ref)
		if err := p.get(ctx, endpoint, &res); err != nil {
			return telephony.Recording{}, fmt.Errorf("twilio: get recording %s: %w", ref, err)
		}
		return p.recordingFromResource(res), nil
	}
}

func (p *Provider) recordingFromResource(res recordingResource) telephony.Recording {
	rec := telephony.Recording{
		ID:           res.SID,
		CallID:       res.CallSID,
		URL:          fmt.Sprintf("%s/Accounts/%s/Recordings/%s.wav", p.baseURL, p.accountSID, res.SID),
		Format:       "wav",
		Status:       mapRecordingStatus(res.Status),
		Provider:     ProviderName,
		RequiresAuth: true,
		AuthMethod:   telephony.AuthBasic,
	}
	if res.Duration != "" {
		rec.DurationSecs, _ = strconv.Atoi(res.Duration)
	}
	return rec
}

// HealthCheck probes the account resource and measures the response time.
func (p *Provider) HealthCheck(ctx context.Context) telephony.HealthStatus {
	start := time.Now()
	endpoint := fmt.Sprintf("%s/Accounts/%s.json", p.baseURL, p.accountSID)
	err := p.get(ctx, endpoint, nil)
	return telephony.HealthStatus{
		Healthy:      err == nil,
		ResponseTime: time.Since(start),
		Err:          err,
	}
}

// streamTwiML builds the TwiML that connects an answered call to the media
// stream endpoint, with Initiate metadata echoed as stream parameters.
func streamTwiML(streamURL string, metadata map[string]string) string {
	var params strings.Builder
	for k, v := range metadata {
		fmt.Fprintf(&params, `<Parameter name=%q value=%q/>`, k, v)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url=%q>%s</Stream></Connect></Response>`,
		streamURL, params.String())
}

// recordingSIDFromURL extracts the recording SID from a stored media URL.
func recordingSIDFromURL(u string) string {
	trimmed := strings.TrimSuffix(u, ".wav")
	trimmed = strings.TrimSuffix(trimmed, ".json")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// get performs an authenticated GET. A nil result discards the body.
func (p *Provider) get(ctx context.Context, endpoint string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return telephony.NewError(telephony.ErrConfiguration, ProviderName, "bad_request", err.Error())
	}
	return p.do(req, result)
}

// postForm performs an authenticated form-encoded POST.
func (p *Provider) postForm(ctx context.Context, endpoint string, data url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return telephony.NewError(telephony.ErrConfiguration, ProviderName, "bad_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req, result)
}

// do executes a request with basic auth and maps failures into the
// telephony error taxonomy.
func (p *Provider) do(req *http.Request, result any) error {
	req.SetBasicAuth(p.accountSID, p.authToken)
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
		var e *telephony.Error
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
			e = telephony.FromHTTPStatus(ProviderName, resp.StatusCode, apiErr.Message)
			e.Code = strconv.Itoa(apiErr.Code)
		} else {
			e = telephony.FromHTTPStatus(ProviderName, resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			e.Metadata = map[string]string{
				"retry_after": resp.Header.Get("Retry-After"),
				"limit":       resp.Header.Get("X-RateLimit-Limit"),
				"remaining":   resp.Header.Get("X-RateLimit-Remaining"),
			}
		}
		return e
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return telephony.NewError(telephony.ErrValidation, ProviderName, "bad_response", err.Error())
		}
	}
	return nil
}
