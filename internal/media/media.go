// Package media accepts vendor media stream WebSocket connections and wires
// each one into an audio bridge. One endpoint exists per provider adapter
// because every vendor speaks its own stream protocol.
package media

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/internal/bridge"
	"github.com/telroute/outdial/internal/observe"
	"github.com/telroute/outdial/pkg/telephony"
	"github.com/telroute/outdial/pkg/telephony/telnyx"
	"github.com/telroute/outdial/pkg/telephony/twilio"
)

// ResultHandler consumes finished bridge results. Satisfied by
// [orchestrator.Orchestrator].
type ResultHandler interface {
	BridgeStarted(ctx context.Context, callID string)
	HandleBridgeResult(ctx context.Context, res bridge.Result)
}

// Server upgrades vendor media connections and runs one bridge session per
// stream until it ends.
type Server struct {
	engine   agent.Engine
	resolver bridge.ContextResolver
	results  ResultHandler
	bridges  *bridge.Registry
	metrics  *observe.Metrics
	log      *slog.Logger

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

// New creates a media Server.
func New(engine agent.Engine, resolver bridge.ContextResolver, results ResultHandler, bridges *bridge.Registry, opts ...Option) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("media: engine is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("media: resolver is required")
	}
	if results == nil {
		return nil, fmt.Errorf("media: result handler is required")
	}
	if bridges == nil {
		return nil, fmt.Errorf("media: bridge registry is required")
	}
	s := &Server{
		engine:   engine,
		resolver: resolver,
		results:  results,
		bridges:  bridges,
		log:      slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Vendors connect from their own infrastructure, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "media"))
	return s, nil
}

// Register adds the per-provider media stream routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /media/twilio", s.handleTwilio)
	mux.HandleFunc("GET /media/telnyx", s.handleTelnyx)
}

func (s *Server) handleTwilio(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("twilio media upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.serve(r.Context(), "twilio", twilio.NewMediaStream(conn))
}

func (s *Server) handleTelnyx(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("telnyx media upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.serve(r.Context(), "telnyx", telnyx.NewMediaStream(conn))
}

// serve runs one bridge session to completion. The vendor drives the
// connection lifetime; the request context only covers the upgrade, so the
// session runs under its own context.
func (s *Server) serve(_ context.Context, provider string, stream telephony.MediaStream) {
	ctx := context.Background()

	// The call id is only known once the start frame resolves, so the
	// session registers itself through a resolver wrapper.
	reg := &registeringResolver{inner: s.resolver, server: s}
	sess := bridge.NewSession(stream, s.engine, reg, s.log)
	reg.sess = sess

	res := sess.Run(ctx)

	if res.CallID != "" {
		s.results.HandleBridgeResult(ctx, res)
	}
	s.log.Info("media stream finished",
		slog.String("provider", provider),
		slog.String("call_id", res.CallID),
		slog.String("reason", string(res.Reason)))
}

// registeringResolver registers the bridge session under its call id as soon
// as the stream's start frame resolves, making it visible to the monitor and
// the orchestrator.
type registeringResolver struct {
	inner  bridge.ContextResolver
	server *Server
	sess   *bridge.Session
}

func (r *registeringResolver) Resolve(ctx context.Context, providerCallID string, params map[string]string) (bridge.CallContext, error) {
	cc, err := r.inner.Resolve(ctx, providerCallID, params)
	if err != nil {
		return cc, err
	}
	if err := r.server.bridges.Add(cc.CallID, r.sess); err != nil {
		return bridge.CallContext{}, fmt.Errorf("media: %w", err)
	}
	r.server.results.BridgeStarted(ctx, cc.CallID)
	return cc, nil
}
