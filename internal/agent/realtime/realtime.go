// Package realtime implements the agent.Engine interface over a realtime
// speech WebSocket API.
//
// It establishes a bidirectional WebSocket connection and exchanges JSON
// events: audio is transmitted as base64-encoded PCM16 chunks, transcripts
// arrive as delta events, and the engine reports its structured result
// through a submit_qualification tool call.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/telroute/outdial/internal/agent"
)

// Compile-time assertions that Engine and session satisfy the agent
// interfaces.
var _ agent.Engine = (*Engine)(nil)
var _ agent.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(e *Engine) { e.baseURL = url }
}

// Engine implements agent.Engine for a realtime speech API.
type Engine struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a realtime Engine with the given API key and options.
func New(apiKey string, opts ...Option) *Engine {
	e := &Engine{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Connect establishes a new engine session with the composed instructions.
// The returned Session is ready to accept audio immediately after the
// session.update message is sent; the engine may begin speaking the greeting
// before any caller audio arrives.
func (e *Engine) Connect(ctx context.Context, cfg agent.SessionConfig) (agent.Session, error) {
	if e.apiKey == "" {
		return nil, fmt.Errorf("realtime: missing API key")
	}
	wsURL := fmt.Sprintf("%s?model=%s", e.baseURL, e.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + e.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:           conn,
		audioCh:        make(chan []byte, 64),
		transcripts:    make(chan agent.Transcript, 16),
		qualifications: make(chan agent.Qualification, 1),
		ctx:            sessCtx,
		cancel:         sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg.Voice, cfg.Instructions); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// Outgoing protocol message types.

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string      `json:"voice,omitempty"`
	Instructions      string      `json:"instructions,omitempty"`
	Tools             []toolParam `json:"tools,omitempty"`
	InputAudioFormat  string      `json:"input_audio_format"`
	OutputAudioFormat string      `json:"output_audio_format"`
}

type toolParam struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// Incoming protocol event.

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *struct {
		Code    string `json:"code,omitempty"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// qualificationTool instructs the engine to report its result exactly once,
// as structured arguments rather than free text.
var qualificationTool = toolParam{
	Type:        "function",
	Name:        "submit_qualification",
	Description: "Submit the final qualification result for this call. Call exactly once, when the conversation is over.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type": "string",
				"enum": []string{"qualified", "disqualified", "callback", "undecided"},
			},
			"sentiment":     map[string]any{"type": "string"},
			"disposition":   map[string]any{"type": "string"},
			"callback_time": map[string]any{"type": "string", "format": "date-time"},
			"answers": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"question": map[string]any{"type": "string"},
						"answer":   map[string]any{"type": "string"},
					},
				},
			},
		},
		"required": []string{"status"},
	},
}

type session struct {
	conn           *websocket.Conn
	audioCh        chan []byte
	transcripts    chan agent.Transcript
	qualifications chan agent.Qualification

	mu     sync.Mutex
	errVal error
	closed bool
	// qualified flips on the first submit_qualification; later calls are
	// acknowledged but ignored.
	qualified bool

	// currentLine accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received.
	currentLine string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) sendSessionUpdate(voice, instructions string) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Tools:             []toolParam{qualificationTool},
	}
	if voice != "" {
		params.Voice = voice
	}
	if instructions != "" {
		params.Instructions = instructions
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the outbound channels and closes them all when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		select {
		case s.audioCh <- audioData:
		case <-s.ctx.Done():
		}

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentLine += evt.Delta
		s.mu.Unlock()

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.currentLine
		s.currentLine = ""
		s.mu.Unlock()

		if text == "" {
			return
		}
		s.deliverTranscript(agent.Transcript{
			Role:      agent.RoleAgent,
			Text:      text,
			Timestamp: time.Now(),
		})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.deliverTranscript(agent.Transcript{
			Role:      agent.RoleCaller,
			Text:      evt.Transcript,
			Timestamp: time.Now(),
		})

	case "response.function_call_arguments.done":
		if evt.Name == "submit_qualification" {
			s.handleQualification(evt)
		}

	case "error":
		if evt.Error != nil {
			s.setErr(fmt.Errorf("realtime: engine error: %s", evt.Error.Message))
		}
	}
}

func (s *session) deliverTranscript(entry agent.Transcript) {
	select {
	case s.transcripts <- entry:
	case <-s.ctx.Done():
	}
}

// handleQualification parses the tool arguments into the structured result,
// delivers it at most once, and acknowledges the tool call so the engine can
// wrap up the conversation.
func (s *session) handleQualification(evt *serverEvent) {
	var q agent.Qualification
	if err := json.Unmarshal([]byte(evt.Arguments), &q); err != nil {
		s.ackQualification(evt.CallID, fmt.Sprintf(`{"error": %q}`, err.Error()))
		return
	}
	if q.Status == "" {
		q.Status = agent.QualificationUndecided
	}

	s.mu.Lock()
	first := !s.qualified
	s.qualified = true
	s.mu.Unlock()

	if first {
		select {
		case s.qualifications <- q:
		case <-s.ctx.Done():
		}
	}
	s.ackQualification(evt.CallID, `{"accepted": true}`)
}

func (s *session) ackQualification(callID, output string) {
	_ = s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
	_ = s.writeJSON(map[string]string{"type": "response.create"})
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audioCh)
		close(s.transcripts)
		close(s.qualifications)
	})
}

// SendAudio delivers a raw PCM16 audio chunk to the engine.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("realtime: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// Audio returns the channel on which the engine's synthesized audio arrives.
func (s *session) Audio() <-chan []byte { return s.audioCh }

// Transcripts returns the channel on which transcript lines arrive.
func (s *session) Transcripts() <-chan agent.Transcript { return s.transcripts }

// Qualifications returns the channel carrying the one-shot structured result.
func (s *session) Qualifications() <-chan agent.Qualification { return s.qualifications }

// Interrupt sends a response.cancel event to stop the current engine
// response.
func (s *session) Interrupt() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
