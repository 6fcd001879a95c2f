// Package bridge owns the real-time relay between a telephony provider's
// media stream and a voice-AI engine session. One Session exists per answered
// call; many run concurrently with no shared audio state. The provider leg
// carries companded 8 kHz audio, the engine leg 16-bit linear PCM at 16 kHz,
// and the bridge transcodes both directions frame by frame.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/telroute/outdial/internal/agent"
	"github.com/telroute/outdial/pkg/audio"
	"github.com/telroute/outdial/pkg/telephony"
)

// State is the bridge session lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateStreaming    State = "streaming"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// Close reasons surfaced in Result.Reason.
const (
	ReasonProviderStop  = "provider_stop"
	ReasonProviderError = "provider_error"
	ReasonSetupFailed   = "setup_failed"
	ReasonForceClosed   = "force_closed"
	ReasonCancelled     = "cancelled"
)

// CallContext is the owning configuration for one bridged call, resolved
// from the provider's stream-start frame.
type CallContext struct {
	CallID string
	Script agent.Script
	Vars   agent.LeadVars
	Voice  string
}

// ContextResolver resolves the call context when a provider stream starts.
// The orchestrator implements this against its live session table.
type ContextResolver interface {
	Resolve(ctx context.Context, providerCallID string, params map[string]string) (CallContext, error)
}

// Stats aggregates per-direction relay counters.
type Stats struct {
	CallerFrames uint64
	CallerBytes  uint64
	AgentFrames  uint64
	AgentBytes   uint64
	StartedAt    time.Time
	AnsweredAt   time.Time
	EndedAt      time.Time
	Duration     time.Duration
}

// Result is the one terminal event a session emits.
type Result struct {
	CallID        string
	Reason        string
	Err           error
	Stats         Stats
	Qualification *agent.Qualification
	Transcript    []agent.Transcript
}

// TapFrame is a tagged audio copy delivered to monitor taps. Payload is
// 16-bit linear PCM unless transcoding fell back to pass-through.
type TapFrame struct {
	Source     string // "caller" or "agent"
	Payload    []byte
	SampleRate int
}

// tapDropLimit is the number of consecutive undelivered frames after which a
// monitor tap is considered dead and evicted.
const tapDropLimit = 200

type tap struct {
	ch    chan TapFrame
	drops int
}

// Session relays audio for one call. Create with NewSession, drive with Run,
// and force-terminate with Close. All exported methods are safe for
// concurrent use.
type Session struct {
	media    telephony.MediaStream
	engine   agent.Engine
	resolver ContextResolver
	log      *slog.Logger

	mu         sync.Mutex
	state      State
	stats      Stats
	callID     string
	qual       *agent.Qualification
	transcript []agent.Transcript
	taps       map[uint64]*tap
	nextTapID  uint64
	// per-direction fallback warnings are logged once per session
	warnedIn  bool
	warnedOut bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession creates a bridge session over an accepted provider media stream.
func NewSession(media telephony.MediaStream, engine agent.Engine, resolver ContextResolver, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		media:    media,
		engine:   engine,
		resolver: resolver,
		log:      log,
		state:    StateDisconnected,
		taps:     make(map[uint64]*tap),
		done:     make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CallID returns the resolved call id, empty until the start frame arrives.
func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close force-terminates both legs. Run returns shortly after. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.media.Close()
	})
}

// Run drives the session to completion and returns its single terminal
// Result. It blocks until the provider stream stops, a leg fails, ctx is
// cancelled, or Close is called.
func (s *Session) Run(ctx context.Context) Result {
	s.mu.Lock()
	s.stats.StartedAt = time.Now().UTC()
	s.state = StateConnecting
	s.mu.Unlock()

	// Unblock the provider read loop on cancellation or force close.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		case <-watchDone:
		}
	}()

	start, err := s.awaitStart()
	if err != nil {
		return s.finish(nil, ReasonProviderError, fmt.Errorf("bridge: await start: %w", err))
	}

	callCtx, err := s.resolver.Resolve(ctx, start.ProviderCallID, start.Params)
	if err != nil {
		_ = s.media.Clear()
		return s.finish(nil, ReasonSetupFailed, fmt.Errorf("bridge: resolve call context: %w", err))
	}

	s.mu.Lock()
	s.callID = callCtx.CallID
	s.state = StateConnected
	s.mu.Unlock()

	log := s.log.With("call_id", callCtx.CallID, "provider_call_id", start.ProviderCallID)

	// Attach the provider sink before the engine handshake. The engine may
	// emit greeting audio immediately on session acceptance; a late sink
	// clips its first frames.
	sink := make(chan []byte, 64)
	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		s.outboundPump(sink, start.Format, log)
	}()

	instructions := agent.ComposeInstructions(callCtx.Script, callCtx.Vars)
	sess, err := s.engine.Connect(ctx, agent.SessionConfig{
		Voice:        callCtx.Voice,
		Instructions: instructions,
	})
	if err != nil {
		close(sink)
		pumps.Wait()
		_ = s.media.Clear()
		return s.finish(nil, ReasonSetupFailed, fmt.Errorf("bridge: engine connect: %w", err))
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.stats.AnsweredAt = time.Now().UTC()
	s.mu.Unlock()
	log.Info("bridge streaming",
		"encoding", start.Format.Encoding,
		"sample_rate", start.Format.SampleRate,
	)

	// Move engine audio into the sink and collect structured messages.
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		defer close(sink)
		for chunk := range sess.Audio() {
			select {
			case sink <- chunk:
			case <-s.done:
				return
			}
		}
	}()
	var collect sync.WaitGroup
	collect.Add(1)
	go func() {
		defer collect.Done()
		s.collectMessages(sess)
	}()

	reason, runErr := s.relayInbound(sess, start.Format, log)

	s.setState(StateClosing)
	_ = sess.Close()
	s.Close()
	pumps.Wait()
	collect.Wait()

	if runErr == nil && sess.Err() != nil {
		runErr = fmt.Errorf("bridge: engine session: %w", sess.Err())
	}
	return s.finish(log, reason, runErr)
}

// awaitStart reads provider frames until the stream-start frame arrives.
func (s *Session) awaitStart() (telephony.MediaFrame, error) {
	for {
		frame, err := s.media.Read()
		if err != nil {
			return telephony.MediaFrame{}, err
		}
		if frame.Type == telephony.MediaStart {
			return frame, nil
		}
		if frame.Type == telephony.MediaStop {
			return telephony.MediaFrame{}, fmt.Errorf("stream stopped before start frame")
		}
	}
}

// relayInbound runs the provider-to-engine direction until the stream ends.
func (s *Session) relayInbound(sess agent.Session, format telephony.MediaFormat, log *slog.Logger) (string, error) {
	for {
		select {
		case <-s.done:
			return ReasonForceClosed, nil
		default:
		}

		frame, err := s.media.Read()
		if err != nil {
			select {
			case <-s.done:
				return ReasonForceClosed, nil
			default:
			}
			return ReasonProviderError, fmt.Errorf("bridge: provider read: %w", err)
		}

		switch frame.Type {
		case telephony.MediaAudio:
			payload, rate, converted := s.inboundPCM(frame.Payload, format)
			if !converted {
				s.warnFallbackIn(log)
			}
			s.deliverTap(TapFrame{Source: "caller", Payload: payload, SampleRate: rate})
			if err := sess.SendAudio(payload); err != nil {
				return ReasonProviderError, fmt.Errorf("bridge: engine send: %w", err)
			}
			s.mu.Lock()
			s.stats.CallerFrames++
			s.stats.CallerBytes += uint64(len(frame.Payload))
			s.mu.Unlock()

		case telephony.MediaDTMF:
			log.Debug("dtmf received", "digit", frame.Digit)

		case telephony.MediaStop:
			return ReasonProviderStop, nil
		}
	}
}

// outboundPump runs the engine-to-provider direction: downsample 16 kHz PCM
// to 8 kHz, re-encode to the provider's companded format, and write.
func (s *Session) outboundPump(sink <-chan []byte, format telephony.MediaFormat, log *slog.Logger) {
	for chunk := range sink {
		s.deliverTap(TapFrame{Source: "agent", Payload: chunk, SampleRate: 16000})

		payload, converted := outboundPayload(chunk, format)
		if !converted {
			s.warnFallbackOut(log)
		}
		if err := s.media.WriteAudio(payload); err != nil {
			// Provider leg is gone; the inbound loop notices on its own.
			return
		}
		s.mu.Lock()
		s.stats.AgentFrames++
		s.stats.AgentBytes += uint64(len(payload))
		s.mu.Unlock()
	}
}

// inboundPCM converts one provider frame to PCM16 16 kHz. On unsupported
// encodings it falls back to the original payload rather than dropping the
// frame.
func (s *Session) inboundPCM(payload []byte, format telephony.MediaFormat) ([]byte, int, bool) {
	var pcm []byte
	switch normalizeEncoding(format.Encoding) {
	case "mulaw":
		pcm = audio.DecodeMulaw(payload)
	case "alaw":
		pcm = audio.DecodeAlaw(payload)
	case "pcm":
		pcm = payload
	default:
		return payload, format.SampleRate, false
	}
	if format.SampleRate == 16000 {
		return pcm, 16000, true
	}
	up := audio.Upsample8kTo16k(pcm)
	if len(up) == 0 {
		return payload, format.SampleRate, false
	}
	return up, 16000, true
}

// outboundPayload converts one engine PCM16 16 kHz chunk into the provider's
// wire format, falling back to the unconverted chunk on failure.
func outboundPayload(chunk []byte, format telephony.MediaFormat) ([]byte, bool) {
	down := chunk
	if format.SampleRate != 16000 {
		down = audio.Downsample16kTo8k(chunk)
		if len(down) == 0 {
			return chunk, false
		}
	}
	switch normalizeEncoding(format.Encoding) {
	case "mulaw":
		return audio.EncodeMulaw(down), true
	case "alaw":
		return audio.EncodeAlaw(down), true
	case "pcm":
		return down, true
	default:
		return chunk, false
	}
}

func normalizeEncoding(enc string) string {
	e := strings.ToLower(enc)
	switch {
	case strings.Contains(e, "mulaw"), strings.Contains(e, "pcmu"):
		return "mulaw"
	case strings.Contains(e, "alaw"), strings.Contains(e, "pcma"):
		return "alaw"
	case strings.Contains(e, "l16"), strings.Contains(e, "pcm"):
		return "pcm"
	default:
		return ""
	}
}

func (s *Session) warnFallbackIn(log *slog.Logger) {
	s.mu.Lock()
	warned := s.warnedIn
	s.warnedIn = true
	s.mu.Unlock()
	if !warned {
		log.Warn("inbound frame conversion failed, passing audio through unconverted")
	}
}

func (s *Session) warnFallbackOut(log *slog.Logger) {
	s.mu.Lock()
	warned := s.warnedOut
	s.warnedOut = true
	s.mu.Unlock()
	if !warned {
		log.Warn("outbound frame conversion failed, passing audio through unconverted")
	}
}

// collectMessages drains transcripts and the one-shot qualification from the
// engine session until its channels close.
func (s *Session) collectMessages(sess agent.Session) {
	transcripts := sess.Transcripts()
	qualifications := sess.Qualifications()
	for transcripts != nil || qualifications != nil {
		select {
		case tr, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			s.mu.Lock()
			s.transcript = append(s.transcript, tr)
			s.mu.Unlock()
		case q, ok := <-qualifications:
			if !ok {
				qualifications = nil
				continue
			}
			s.mu.Lock()
			if s.qual == nil {
				s.qual = &q
			}
			s.mu.Unlock()
		}
	}
}

// Attach adds a monitor tap. The returned channel receives tagged copies of
// both audio directions; frames the receiver cannot keep up with are dropped,
// and a tap that stays blocked is evicted. The detach func is idempotent.
func (s *Session) Attach(buffer int) (<-chan TapFrame, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan TapFrame, buffer)

	s.mu.Lock()
	id := s.nextTapID
	s.nextTapID++
	closed := s.state == StateClosed || s.state == StateError
	if !closed {
		s.taps[id] = &tap{ch: ch}
	}
	s.mu.Unlock()

	if closed {
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	detach := func() {
		once.Do(func() {
			s.mu.Lock()
			tp, ok := s.taps[id]
			delete(s.taps, id)
			s.mu.Unlock()
			if ok {
				close(tp.ch)
			}
		})
	}
	return ch, detach
}

// deliverTap fans a frame out to all taps without ever blocking the relay.
func (s *Session) deliverTap(frame TapFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tp := range s.taps {
		select {
		case tp.ch <- frame:
			tp.drops = 0
		default:
			tp.drops++
			if tp.drops >= tapDropLimit {
				delete(s.taps, id)
				close(tp.ch)
			}
		}
	}
}

// finish computes final stats, releases taps, and builds the single terminal
// Result.
func (s *Session) finish(log *slog.Logger, reason string, err error) Result {
	s.Close()

	s.mu.Lock()
	now := time.Now().UTC()
	s.stats.EndedAt = now
	if !s.stats.AnsweredAt.IsZero() {
		s.stats.Duration = now.Sub(s.stats.AnsweredAt)
	}
	if err != nil {
		s.state = StateError
	} else {
		s.state = StateClosed
	}
	for id, tp := range s.taps {
		delete(s.taps, id)
		close(tp.ch)
	}
	res := Result{
		CallID:        s.callID,
		Reason:        reason,
		Err:           err,
		Stats:         s.stats,
		Qualification: s.qual,
		Transcript:    s.transcript,
	}
	s.mu.Unlock()

	if log == nil {
		log = s.log
	}
	if err != nil {
		log.Warn("bridge closed with error", "reason", reason, "err", err)
	} else {
		log.Info("bridge closed",
			"reason", reason,
			"caller_frames", res.Stats.CallerFrames,
			"agent_frames", res.Stats.AgentFrames,
			"duration", res.Stats.Duration,
		)
	}
	return res
}
