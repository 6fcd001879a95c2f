package twilio

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

// MediaStream adapts a Twilio Media Streams WebSocket connection to the
// normalized telephony.MediaStream contract. Twilio frames are JSON envelopes
// with base64 μ-law payloads; this type does the envelope translation, the
// bridge does the audio transcoding.
type MediaStream struct {
	conn *websocket.Conn

	mu        sync.Mutex
	streamSID string
	callSID   string
	format    telephony.MediaFormat
	closed    bool
	closeOnce sync.Once
}

// wire message shapes for the Twilio Media Streams protocol.
type wireMessage struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Start     *wireStart `json:"start,omitempty"`
	Media     *wireMedia `json:"media,omitempty"`
	Stop      *wireStop  `json:"stop,omitempty"`
	DTMF      *wireDTMF  `json:"dtmf,omitempty"`
}

type wireStart struct {
	StreamSID    string            `json:"streamSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  wireFormat        `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type wireFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type wireMedia struct {
	Track   string `json:"track"`
	Payload string `json:"payload"`
}

type wireStop struct {
	CallSID string `json:"callSid"`
}

type wireDTMF struct {
	Digit string `json:"digit"`
}

// NewMediaStream wraps an upgraded WebSocket connection from Twilio.
// The caller keeps ownership of the HTTP upgrade; the stream owns conn from
// here on and closes it on Close.
func NewMediaStream(conn *websocket.Conn) *MediaStream {
	return &MediaStream{
		conn: conn,
		format: telephony.MediaFormat{
			Encoding:   "audio/x-mulaw",
			SampleRate: 8000,
			Channels:   1,
		},
	}
}

// Read blocks until the next meaningful frame. Twilio's "connected" and
// "mark" events carry no media and are skipped.
func (s *MediaStream) Read() (telephony.MediaFrame, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return telephony.MediaFrame{}, fmt.Errorf("twilio: stream read: %w", err)
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frame: skip rather than kill the call.
			continue
		}

		switch msg.Event {
		case "start":
			if msg.Start == nil {
				continue
			}
			s.mu.Lock()
			s.streamSID = msg.Start.StreamSID
			s.callSID = msg.Start.CallSID
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
				StreamID:       msg.Start.StreamSID,
				ProviderCallID: msg.Start.CallSID,
				Format:         format,
				Params:         msg.Start.CustomParams,
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
				StreamID:       msg.StreamSID,
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
				StreamID:       msg.StreamSID,
				ProviderCallID: s.providerCallID(),
				Digit:          msg.DTMF.Digit,
			}, nil

		case "stop":
			return telephony.MediaFrame{
				Type:           telephony.MediaStop,
				StreamID:       msg.StreamSID,
				ProviderCallID: s.providerCallID(),
			}, nil
		}
	}
}

// WriteAudio sends one μ-law payload to Twilio as a media frame.
func (s *MediaStream) WriteAudio(payload []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("twilio: stream closed")
	}
	streamSID := s.streamSID
	s.mu.Unlock()

	msg := map[string]any{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]string{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return fmt.Errorf("twilio: stream write: %w", err)
	}
	return nil
}

// Clear tells Twilio to drop buffered, unplayed audio.
func (s *MediaStream) Clear() error {
	s.mu.Lock()
	streamSID := s.streamSID
	s.mu.Unlock()

	return s.writeJSON(map[string]any{
		"event":     "clear",
		"streamSid": streamSID,
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
	return s.callSID
}

// writeJSON serialises gorilla/websocket writes; the bridge writes from one
// goroutine but Clear may race with it.
func (s *MediaStream) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("twilio: stream closed")
	}
	return s.conn.WriteJSON(v)
}