// Package monitor serves live listen-in WebSocket connections. A monitor
// attaches a tap to the call's audio bridge and receives both directions of
// the conversation as JSON frames; it can never inject audio, and a slow
// monitor is evicted rather than allowed to stall the call.
package monitor

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telroute/outdial/internal/bridge"
	"github.com/telroute/outdial/internal/observe"
)

// CloseCallNotFound is the WebSocket close code sent when the requested call
// has no active bridge. Application close codes live in the 4000 range.
const CloseCallNotFound = 4404

// tapBuffer is the per-monitor frame buffer. At 20ms frames this is about
// 1.3 seconds of slack before frames drop.
const tapBuffer = 64

// writeWait bounds a single frame write to a monitor connection.
const writeWait = 5 * time.Second

// wireFrame is the JSON shape delivered to monitor clients.
type wireFrame struct {
	Source     string `json:"source"`
	Payload    string `json:"payload"`
	SampleRate int    `json:"sampleRate"`
}

// Server upgrades monitor connections and streams bridge taps to them.
type Server struct {
	bridges *bridge.Registry
	metrics *observe.Metrics
	log     *slog.Logger

	upgrader websocket.Upgrader
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a monitor Server over the given bridge registry.
func New(bridges *bridge.Registry, opts ...Option) (*Server, error) {
	if bridges == nil {
		return nil, fmt.Errorf("monitor: bridge registry is required")
	}
	s := &Server{
		bridges: bridges,
		log:     slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "monitor"))
	return s, nil
}

// Register adds the monitor route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /monitor/{call_id}", s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("monitor upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sess, ok := s.bridges.Get(callID)
	if !ok {
		// Distinct close so clients can tell "no such call" from a normal
		// end of stream.
		msg := websocket.FormatCloseMessage(CloseCallNotFound, "call not found or not active")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}

	frames, detach := sess.Attach(tapBuffer)
	defer detach()

	log := s.log.With(slog.String("call_id", callID))
	log.Info("monitor attached")
	ctx := r.Context()
	if s.metrics != nil {
		s.metrics.ActiveMonitors.Add(ctx, 1)
		defer s.metrics.ActiveMonitors.Add(ctx, -1)
	}

	// Reader goroutine: monitors never send data, but reads must be drained
	// to notice a client disconnect.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case fr, ok := <-frames:
			if !ok {
				// Bridge ended; tell the client this was a normal end.
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				log.Info("monitor detached, call ended")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wireFrame{
				Source:     fr.Source,
				Payload:    base64.StdEncoding.EncodeToString(fr.Payload),
				SampleRate: fr.SampleRate,
			}); err != nil {
				log.Debug("monitor write failed", slog.String("error", err.Error()))
				return
			}
		case <-clientGone:
			log.Info("monitor disconnected")
			return
		}
	}
}
