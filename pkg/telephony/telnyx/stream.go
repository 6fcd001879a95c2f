package telnyx

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/telroute/outdial/pkg/telephony"
)

// Compile-time interface check.
var _ telephony.MediaStream = (*MediaStream)(nil)

// MediaStream adapts a Telnyx media streaming WebSocket connection to the
// normalized telephony.MediaStream contract. The Telnyx wire protocol is
// close to Twilio's but identifies calls by call_control_id and defaults to
// PCMU encoding names rather than MIME types.
type MediaStream struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamID  string
	callID    string
	format    telephony.MediaFormat
	closed    bool
	closeOnce sync.Once
}

// wire message shapes for the Telnyx streaming protocol.
type streamMessage struct {
	Event    string        `json:"event"`
	StreamID string        `json:"stream_id,omitempty"`
	Start    *streamStart  `json:"start,omitempty"`
	Media    *streamMedia  `json:"media,omitempty"`
	Stop     *streamStop   `json:"stop,omitempty"`
	DTMF     *streamDigits `json:"dtmf,omitempty"`
}

type streamStart struct {
	StreamID      string       `json:"stream_id"`
	CallControlID string       `json:"call_control_id"`
	MediaFormat   streamFormat `json:"media_format"`
	ClientState   string       `json:"client_state"`
}

type streamFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type streamMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type streamStop struct {
	CallControlID string `json:"call_control_id"`
}

type streamDigits struct {
	Digit string `json:"digit"`
}

// NewMediaStream wraps an upgraded WebSocket connection from Telnyx. The
// stream owns conn from here on and closes it on Close.
func NewMediaStream(conn *websocket.Conn) *MediaStream {
	return &MediaStream{
		conn: conn,
		format: telephony.MediaFormat{
			Encoding:   "PCMU",
			SampleRate: 8000,
			Channels:   1,
		},
	}
}

// Read blocks until the next meaningful frame. Telnyx "connected" events and
// malformed frames are skipped.
func (s *MediaStream) Read() (telephony.MediaFrame, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return telephony.MediaFrame{}, fmt.Errorf("telnyx: stream read: %w", err)
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "start":
			if msg.Start == nil {
				continue
			}
			s.mu.Lock()
			s.streamID = msg.Start.StreamID
			s.callID = msg.Start.CallControlID
			if msg.Start.MediaFormat.Encoding != "" {
				s.format = telephony.MediaFormat{
					Encoding:   msg.Start.MediaFormat.Encoding,
					SampleRate: msg.Start.MediaFormat.SampleRate,
					Channels:   msg.Start.MediaFormat.Channels,
				}
			}
			format := s.format
			s.mu.Unlock()

			return telephony.MediaFrame{
				Type:           telephony.MediaStart,
				StreamID:       msg.Start.StreamID,
				ProviderCallID: msg.Start.CallControlID,
				Format:         format,
				Params:         decodeClientState(msg.Start.ClientState),
			}, nil

		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			return telephony.MediaFrame{
				Type:           telephony.MediaAudio,
				StreamID:       msg.StreamID,
				ProviderCallID: s.providerCallID(),
				Track:          msg.Media.Track,
				Payload:        payload,
			}, nil

		case "dtmf":
			if msg.DTMF == nil {
				continue
			}
			return telephony.MediaFrame{
				Type:           telephony.MediaDTMF,
				StreamID:       msg.StreamID,
				ProviderCallID: s.providerCallID(),
				Digit:          msg.DTMF.Digit,
			}, nil

		case "stop":
			return telephony.MediaFrame{
				Type:           telephony.MediaStop,
				StreamID:       msg.StreamID,
				ProviderCallID: s.providerCallID(),
			}, nil
		}
	}
}

// WriteAudio sends one encoded payload to Telnyx as a media frame.
func (s *MediaStream) WriteAudio(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("telnyx: stream closed")
	}
	streamID := s.streamID
	s.mu.Unlock()

	msg := map[string]any{
		"event":     "media",
		"stream_id": streamID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("telnyx: stream write: %w", err)
	}
	return nil
}

// Clear tells Telnyx to drop buffered, unplayed audio.
func (s *MediaStream) Clear() error {
	s.mu.Lock()
	streamID := s.streamID
	s.mu.Unlock()

	return s.writeJSON(map[string]any{
		"event":     "clear",
		"stream_id": streamID,
	})
}

// Format returns the negotiated media format.
func (s *MediaStream) Format() telephony.MediaFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Close tears down the WebSocket. Idempotent.
func (s *MediaStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		_ = s.conn.Close()
	})
	return nil
}

func (s *MediaStream) providerCallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *MediaStream) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("telnyx: stream closed")
	}
	return s.conn.WriteJSON(v)
}

// decodeClientState reverses encodeClientState; Initiate metadata comes back
// on the stream start event as opaque base64 JSON.
func decodeClientState(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	var params map[string]string
	if err := json.Unmarshal(data, &params); err != nil {
		return nil
	}
	return params
}
