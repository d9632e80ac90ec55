package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/telebridge/internal/observe"
	"github.com/MrWong99/telebridge/pkg/audio"
	"github.com/MrWong99/telebridge/pkg/audio/codec"
	"github.com/MrWong99/telebridge/pkg/audio/pacer"
	"github.com/MrWong99/telebridge/pkg/provider/s2s"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
	"github.com/MrWong99/telebridge/pkg/provider/vad/energy"
	"github.com/MrWong99/telebridge/pkg/telephony"
)

// SessionState is the lifecycle state of a [CallSession].
type SessionState int

const (
	StateActive SessionState = iota
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// CallSession describes one bridged call.
type CallSession struct {
	// ID is generated by the bridge and unique per connection.
	ID string

	// CallID and StreamID are assigned by the telephony provider.
	CallID   string
	StreamID string

	State     SessionState
	CreatedAt time.Time
}

var errAIClosed = errors.New("bridge: AI event stream ended")

// Serve bridges one call. It blocks until the call ends and always closes
// leg before returning. A clean stop from the telephony provider yields nil.
func (o *Orchestrator) Serve(ctx context.Context, leg telephony.Leg) error {
	start, err := o.awaitStart(ctx, leg)
	if err != nil || start == nil {
		_ = leg.Close()
		return err
	}

	if start.Encoding != "" && start.Encoding != audio.EncodingMulaw8k.String() {
		o.log.Warn("unexpected call audio encoding, assuming μ-law",
			"call_id", start.CallID, "encoding", start.Encoding)
	}

	info := CallSession{
		ID:        uuid.NewString(),
		CallID:    start.CallID,
		StreamID:  start.StreamID,
		State:     StateActive,
		CreatedAt: time.Now(),
	}
	log := o.log.With("session_id", info.ID, "call_id", info.CallID, "stream_id", info.StreamID)

	ctx, span := o.tracer.Start(ctx, observe.SpanCall,
		trace.WithAttributes(observe.CallAttributes(info.ID, info.CallID, info.StreamID)...))
	defer span.End()

	ai, err := o.connect(ctx)
	if err != nil {
		_ = leg.Close()
		log.Error("connect to AI endpoint", "err", err)
		err = &TransportError{Leg: LegAI, Op: "connect", Err: err}
		endSpan(span, err)
		return err
	}

	s := o.newSession(info, leg, ai, log)
	err = s.run(ctx)
	endSpan(span, err)
	return err
}

// endSpan records the call outcome on span. A clean stop is not an error.
func endSpan(span trace.Span, err error) {
	kind := Classify(err)
	span.SetAttributes(attribute.String("telebridge.end", kind.String()))
	if err != nil && kind != KindStopped && !errors.Is(err, context.Canceled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// awaitStart reads call-leg events until the stream's start frame. It
// returns nil, nil when the stream stops before starting.
func (o *Orchestrator) awaitStart(ctx context.Context, leg telephony.Leg) (*telephony.StartEvent, error) {
	for {
		ev, err := leg.ReadEvent(ctx)
		if err != nil {
			if kind := Classify(err); kind == KindProtocol || kind == KindCodec {
				o.metrics.RecordFrameError(ctx, string(LegCall), kind.String())
				o.log.Warn("skipping call-leg frame before start", "err", err)
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &TransportError{Leg: LegCall, Op: "read", Err: err}
		}

		switch e := ev.(type) {
		case telephony.StartEvent:
			return &e, nil
		case telephony.StopEvent:
			o.log.Info("call stopped before stream start", "call_id", e.CallID)
			return nil, nil
		case telephony.MediaEvent:
			perr := &ProtocolError{Leg: LegCall, Err: errors.New("media before start")}
			o.metrics.RecordFrameError(ctx, string(LegCall), KindProtocol.String())
			o.log.Warn("skipping call-leg frame", "err", perr)
		case telephony.ConnectedEvent:
			o.log.Debug("call leg connected", "protocol", e.Protocol)
		default:
			o.log.Debug("ignoring call-leg event before start", "event", ev.Name())
		}
	}
}

func (o *Orchestrator) connect(ctx context.Context) (s2s.SessionHandle, error) {
	start := time.Now()
	h, err := o.ai.Connect(ctx, o.cfg.Session)
	o.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", o.providerName)))
	if err != nil {
		o.metrics.RecordProviderRequest(ctx, o.providerName, "connect", "error")
		return nil, err
	}
	o.metrics.RecordProviderRequest(ctx, o.providerName, "connect", "ok")
	return h, nil
}

// session is the state of one bridged call. The call-leg reader, the AI-leg
// reader, the pacer and the watchdog each run in their own goroutine; the
// Machine and the Pacer carry their own locks.
type session struct {
	o        *Orchestrator
	cfg      Config
	log      *slog.Logger
	metrics  *observe.Metrics
	streamID string

	leg   telephony.Leg
	ai    s2s.SessionHandle
	vad   vad.SessionHandle
	codec *codec.Codec
	turns *Machine
	pacer *pacer.Pacer

	// activity is signalled by the call-leg reader whenever the caller is
	// heard; the watchdog re-arms on it.
	activity chan struct{}

	base   context.Context
	ctx    context.Context
	cancel context.CancelFunc

	lastItem atomic.Int64 // duration of the last transmitted item
	played   int          // pacer goroutine only

	mu         sync.Mutex
	info       CallSession
	userDoneAt time.Time
	turnID     uint64
	ackedMark  string

	once  sync.Once
	cause error
}

func (o *Orchestrator) newSession(info CallSession, leg telephony.Leg, ai s2s.SessionHandle, log *slog.Logger) *session {
	// New validated the rate.
	c, _ := codec.New(o.cfg.Session.SampleRate)

	s := &session{
		o:        o,
		cfg:      o.cfg,
		log:      log,
		metrics:  o.metrics,
		streamID: info.StreamID,
		leg:      leg,
		ai:       ai,
		codec:    c,
		turns:    NewMachine(),
		activity: make(chan struct{}, 1),
		info:     info,
	}

	if o.vad != nil {
		vs, err := o.vad.NewSession(o.cfg.VAD)
		if err != nil {
			log.Warn("local VAD unavailable, relying on AI turn detection", "err", err)
		} else {
			s.vad = vs
		}
	}

	s.pacer = pacer.New(s,
		pacer.WithDepth(o.cfg.QueueDepth),
		pacer.WithPlayable(s.turns.Playable),
		pacer.WithOnDrop(func(pacer.Item) { s.metrics.RecordPlayback(s.ctx, observe.PlaybackDropped) }),
		pacer.WithOnSkip(func(pacer.Item) { s.metrics.RecordPlayback(s.ctx, observe.PlaybackSkipped) }),
		pacer.WithOnPlayed(s.onPlayed),
		pacer.WithLogger(log),
	)
	return s
}

func (s *session) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	s.base = ctx
	s.ctx = gctx
	s.cancel = cancel
	defer cancel()

	s.metrics.ActiveSessions.Add(ctx, 1)
	if s.o.observer != nil {
		s.o.observer.CallStarted(s.Info())
	}
	s.log.Info("call started",
		"ai_rate", s.codec.Rate(),
		"server_vad", s.cfg.Session.TurnDetection.ServerVAD(),
		"local_vad", s.vad != nil,
	)

	s.spawn(gctx, g, s.readCall)
	s.spawn(gctx, g, s.readAI)
	s.spawn(gctx, g, s.pacer.Run)
	if !s.cfg.Session.TurnDetection.ServerVAD() {
		s.spawn(gctx, g, s.watchdog)
	}

	_ = g.Wait()
	s.teardown(nil)

	if errors.Is(s.cause, ErrStopped) {
		return nil
	}
	return s.cause
}

// spawn runs task in the group. Whichever task ends first tears the session
// down, which unblocks the others.
func (s *session) spawn(ctx context.Context, g *errgroup.Group, task func(context.Context) error) {
	g.Go(func() error {
		err := task(ctx)
		s.teardown(err)
		return err
	})
}

// teardown closes everything the session owns. Only the first call has an
// effect; its cause becomes the result of Serve.
func (s *session) teardown(cause error) {
	s.once.Do(func() {
		s.cause = cause
		s.setState(StateClosing)
		s.cancel()

		s.pacer.Close()
		if err := s.ai.Close(); err != nil {
			s.log.Debug("close AI session", "err", err)
		}
		if s.vad != nil {
			_ = s.vad.Close()
		}
		if err := s.leg.Close(); err != nil {
			s.log.Debug("close call leg", "err", err)
		}
		s.setState(StateClosed)

		info := s.Info()
		s.mu.Lock()
		lastMark := s.ackedMark
		s.mu.Unlock()
		s.metrics.ActiveSessions.Add(s.base, -1)
		s.metrics.SessionDuration.Record(s.base, time.Since(info.CreatedAt).Seconds())

		switch {
		case cause == nil, errors.Is(cause, ErrStopped), errors.Is(cause, context.Canceled):
			s.log.Info("call ended",
				"duration", time.Since(info.CreatedAt),
				"played", s.pacer.Played(),
				"last_mark", lastMark,
			)
		default:
			s.log.Warn("call ended with error", "err", cause, "kind", Classify(cause))
		}
		if s.o.observer != nil {
			s.o.observer.CallEnded(info, cause)
		}
	})
}

// Info returns a snapshot of the call session.
func (s *session) Info() CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *session) setState(st SessionState) {
	s.mu.Lock()
	s.info.State = st
	s.mu.Unlock()
}

// ── call leg ─────────────────────────────────────────────────────────────────

func (s *session) readCall(ctx context.Context) error {
	for {
		ev, err := s.leg.ReadEvent(ctx)
		if err != nil {
			switch Classify(err) {
			case KindProtocol:
				s.frameError(ctx, &ProtocolError{Leg: LegCall, Err: err})
				continue
			case KindCodec:
				s.frameError(ctx, &CodecError{Err: err})
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Leg: LegCall, Op: "read", Err: err}
		}

		switch e := ev.(type) {
		case telephony.MediaEvent:
			if err := s.handleMedia(ctx, e); err != nil {
				return err
			}
		case telephony.MarkEvent:
			s.mu.Lock()
			s.ackedMark = e.MarkName
			s.mu.Unlock()
			s.log.Debug("playback mark acknowledged", "mark", e.MarkName)
		case telephony.DTMFEvent:
			s.log.Info("dtmf received", "digit", e.Digit)
		case telephony.StopEvent:
			s.log.Info("call stop received")
			return ErrStopped
		case telephony.StartEvent:
			s.frameError(ctx, &ProtocolError{Leg: LegCall, Err: errors.New("duplicate start")})
		case telephony.ConnectedEvent:
		}
	}
}

func (s *session) handleMedia(ctx context.Context, ev telephony.MediaEvent) error {
	if ev.Track != "" && ev.Track != "inbound" {
		return nil
	}
	if len(ev.Payload) == 0 {
		return nil
	}
	heardAt := time.Now()
	in := s.codec.DecodeFrame(audio.NewFrame(ev.Payload, audio.EncodingMulaw8k, audio.TelephonyRate))
	pcm := in.Data

	// Twilio streams frames through silence too, so without a local
	// detector only frames above the speech threshold count as activity.
	var active bool
	if s.vad != nil {
		var err error
		if active, err = s.detect(ctx, pcm, heardAt); err != nil {
			return err
		}
	} else {
		active = energy.RMS(pcm) >= s.cfg.VAD.SpeechThreshold
	}
	if active {
		select {
		case s.activity <- struct{}{}:
		default:
		}
	}

	if err := s.ai.SendAudio(ctx, pcm); err != nil {
		return s.aiWriteErr(ctx, "send audio", err)
	}
	return nil
}

// detect runs the local VAD on one decoded frame and reports whether the
// caller is audible in it.
func (s *session) detect(ctx context.Context, pcm []byte, heardAt time.Time) (bool, error) {
	ev, err := s.vad.ProcessFrame(pcm)
	if err != nil {
		s.metrics.RecordFrameError(ctx, string(LegCall), "vad")
		s.log.Debug("local VAD failed on frame", "err", err)
		return true, nil
	}
	switch ev.Type {
	case vad.VADSpeechStart:
		return true, s.speechStarted(ctx, SourceLocal, heardAt)
	case vad.VADSpeechContinue:
		return true, nil
	case vad.VADSpeechEnd:
		if s.turns.SpeechStopped(SourceLocal) {
			s.log.Debug("caller quiet", "source", SourceLocal)
		}
	}
	return false, nil
}

// speechStarted applies a speech-start report from either detector. On
// barge-in, local playback is stopped before anything is sent upstream so
// the interruption never waits on the AI endpoint.
func (s *session) speechStarted(ctx context.Context, src Source, heardAt time.Time) error {
	pending := s.pacer.Pending()
	id, bargeIn := s.turns.SpeechStarted(src)
	if id == 0 {
		s.log.Debug("caller speaking", "source", src)
		return nil
	}

	// The far end may still be playing the last transmitted item even when
	// nothing is queued here, so the call leg is flushed either way.
	purged := s.pacer.Purge()
	if !bargeIn {
		s.log.Debug("caller spoke over finished response", "response_id", id, "purged", purged)
		return s.flushCallLeg(ctx, pending)
	}

	latency := time.Since(heardAt)
	s.metrics.RecordBargeIn(ctx, src.String(), latency)
	trace.SpanFromContext(ctx).AddEvent(observe.EventBargeIn, trace.WithAttributes(
		attribute.String("source", src.String()),
		attribute.Int64("response_id", int64(id)),
		attribute.Int("purged", purged),
	))
	s.log.Info("barge-in", "source", src, "response_id", id, "purged", purged, "latency", latency)

	if err := s.flushCallLeg(ctx, pending); err != nil {
		return err
	}
	if err := s.ai.Cancel(ctx); err != nil {
		return s.aiWriteErr(ctx, "cancel", err)
	}
	s.metrics.RecordProviderRequest(ctx, s.o.providerName, "cancel", "ok")
	return nil
}

// flushCallLeg makes the far end drop audio it already received.
func (s *session) flushCallLeg(ctx context.Context, pending time.Duration) error {
	var err error
	op := "clear"
	if s.cfg.BargeInMode == BargeInSilence {
		op = "send silence"
		burst := max(s.cfg.Silence, pending+time.Duration(s.lastItem.Load()))
		err = s.leg.SendMedia(ctx, s.streamID, codec.Silence(burst))
	} else {
		err = s.leg.SendClear(ctx, s.streamID)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Leg: LegCall, Op: op, Err: err}
	}
	return nil
}

// Transmit implements [pacer.Sink].
func (s *session) Transmit(ctx context.Context, item pacer.Item) error {
	if err := s.leg.SendMedia(ctx, s.streamID, item.Frame.Data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Leg: LegCall, Op: "send media", Err: err}
	}
	return nil
}

func (s *session) onPlayed(item pacer.Item) {
	s.lastItem.Store(int64(item.Duration))
	s.metrics.RecordPlayback(s.ctx, observe.PlaybackPlayed)

	if s.cfg.MarkInterval <= 0 {
		return
	}
	s.played++
	if s.played%s.cfg.MarkInterval != 0 {
		return
	}
	name := fmt.Sprintf("r%d-%d", item.ResponseID, s.played)
	if err := s.leg.SendMark(s.ctx, s.streamID, name); err != nil && s.ctx.Err() == nil {
		s.log.Warn("send playback mark", "mark", name, "err", err)
	}
}

// ── AI leg ───────────────────────────────────────────────────────────────────

func (s *session) readAI(ctx context.Context) error {
	events := s.ai.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				err := s.ai.Err()
				if err == nil {
					err = errAIClosed
				}
				return &TransportError{Leg: LegAI, Op: "read", Err: err}
			}
			if err := s.handleAI(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *session) handleAI(ctx context.Context, ev s2s.Event) error {
	switch e := ev.(type) {
	case s2s.SpeechStarted:
		return s.speechStarted(ctx, SourceRemote, time.Now())
	case s2s.SpeechStopped:
		s.turns.SpeechStopped(SourceRemote)
		s.mu.Lock()
		s.userDoneAt = time.Now()
		s.mu.Unlock()
	case s2s.ResponseCreated:
		s.turns.Register(e.ResponseID)
	case s2s.AudioDelta:
		s.enqueue(ctx, e)
	case s2s.ResponseDone:
		s.turns.Finished(e.ResponseID, e.Status == "cancelled")
		s.log.Debug("response done", "response", e.ResponseID, "status", e.Status)
	case s2s.ResponseCancelled:
		s.turns.Finished(e.ResponseID, true)
		s.log.Debug("response cancelled", "response", e.ResponseID)
	case s2s.TranscriptionCompleted:
		s.log.Info("caller transcript", "item_id", e.ItemID, "transcript", e.Transcript)
	case s2s.Error:
		return s.upstreamError(ctx, e)
	}
	return nil
}

func (s *session) enqueue(ctx context.Context, delta s2s.AudioDelta) {
	id, ok := s.turns.Begin(delta.ResponseID)
	if !ok {
		s.metrics.RecordPlayback(ctx, observe.PlaybackSkipped)
		return
	}

	s.mu.Lock()
	if id != s.turnID {
		s.turnID = id
		if !s.userDoneAt.IsZero() {
			s.metrics.ResponseLatency.Record(ctx, time.Since(s.userDoneAt).Seconds())
			s.userDoneAt = time.Time{}
		}
		s.log.Debug("response started", "response", delta.ResponseID, "response_id", id)
	}
	s.mu.Unlock()

	if len(delta.Audio) == 0 {
		return
	}
	frame := s.codec.EncodeFrame(audio.NewFrame(delta.Audio, audio.EncodingLinear16, s.codec.Rate()))
	// Refusals are counted by the pacer callbacks.
	_ = s.pacer.Enqueue(pacer.NewItem(frame, id))
}

func (s *session) upstreamError(ctx context.Context, e s2s.Error) error {
	ue := &UpstreamError{Code: e.Code, Message: e.Message, Fatal: e.Fatal, Err: e}
	kind := e.Code
	if kind == "" {
		kind = e.Kind
	}
	s.metrics.RecordProviderError(ctx, s.o.providerName, kind)
	if ue.Fatal {
		s.log.Error("fatal upstream error", "code", e.Code, "message", e.Message)
		return &TransportError{Leg: LegAI, Op: "session", Err: ue}
	}
	s.log.Warn("upstream error", "code", e.Code, "message", e.Message)
	return nil
}

// watchdog forces an end of turn when the caller has been quiet for the
// inactivity timeout. It only runs when the AI endpoint does no turn
// detection of its own, and fires at most once per quiet period.
func (s *session) watchdog(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.InactivityTimeout)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.activity:
			timer.Reset(s.cfg.InactivityTimeout)
		case <-timer.C:
			s.log.Debug("caller inactive, requesting response", "timeout", s.cfg.InactivityTimeout)
			if err := s.ai.Commit(ctx); err != nil {
				return s.aiWriteErr(ctx, "commit", err)
			}
			if err := s.ai.CreateResponse(ctx); err != nil {
				return s.aiWriteErr(ctx, "create response", err)
			}
			s.metrics.RecordProviderRequest(ctx, s.o.providerName, "commit", "ok")
			s.mu.Lock()
			s.userDoneAt = time.Now()
			s.mu.Unlock()
		}
	}
}

func (s *session) aiWriteErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.metrics.RecordProviderRequest(ctx, s.o.providerName, op, "error")
	return &TransportError{Leg: LegAI, Op: op, Err: err}
}

func (s *session) frameError(ctx context.Context, err error) {
	kind := Classify(err)
	s.metrics.RecordFrameError(ctx, string(LegCall), kind.String())
	if kind == KindCodec {
		s.log.Debug("dropping call-leg frame", "err", err)
		return
	}
	s.log.Warn("skipping call-leg frame", "err", err)
}
