package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/telebridge/internal/observe"
	"github.com/MrWong99/telebridge/pkg/audio"
	"github.com/MrWong99/telebridge/pkg/audio/codec"
	"github.com/MrWong99/telebridge/pkg/provider/s2s"
	s2smock "github.com/MrWong99/telebridge/pkg/provider/s2s/mock"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
	vadmock "github.com/MrWong99/telebridge/pkg/provider/vad/mock"
	"github.com/MrWong99/telebridge/pkg/telephony"
	telmock "github.com/MrWong99/telebridge/pkg/telephony/mock"
)

// chunkSamples is 20 ms at 8 kHz, so every AI chunk becomes one 20 ms item.
const chunkSamples = 160

// sample returns a level that survives μ-law quantisation as a distinct code
// for every (response, chunk) pair used in these tests.
func sample(resp, chunk int) int16 { return int16(resp*1000 + chunk*200) }

func chunk(resp, i int) []byte {
	s := make([]int16, chunkSamples)
	for j := range s {
		s[j] = sample(resp, i)
	}
	return audio.Bytes16(s)
}

func marker(resp, i int) byte { return codec.Encode(sample(resp, i)) }

func callerFrame() telephony.MediaEvent {
	return telephony.MediaEvent{Track: "inbound", Payload: bytes.Repeat([]byte{codec.SilenceByte}, chunkSamples)}
}

// loudFrame is a caller frame well above the default speech threshold.
func loudFrame() telephony.MediaEvent {
	return telephony.MediaEvent{Track: "inbound", Payload: bytes.Repeat([]byte{codec.Encode(8000)}, chunkSamples)}
}

type ended struct {
	cs  CallSession
	err error
}

type recordingObserver struct {
	mu      sync.Mutex
	started []CallSession
	ended   []ended
}

func (r *recordingObserver) CallStarted(cs CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, cs)
}

func (r *recordingObserver) CallEnded(cs CallSession, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, ended{cs, err})
}

func (r *recordingObserver) snapshot() ([]CallSession, []ended) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallSession(nil), r.started...), append([]ended(nil), r.ended...)
}

type harness struct {
	t      *testing.T
	orch   *Orchestrator
	leg    *telmock.Leg
	ai     *s2smock.Session
	prov   *s2smock.Provider
	vad    *vadmock.Session
	obs    *recordingObserver
	reader *sdkmetric.ManualReader
	ctx    context.Context
	done   chan error
}

func newHarness(t *testing.T, cfg Config, localVAD bool, opts ...Option) *harness {
	t.Helper()
	if cfg.Session.SampleRate == 0 {
		cfg.Session.SampleRate = audio.TelephonyRate
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		t:      t,
		leg:    telmock.NewLeg(),
		ai:     s2smock.NewSession(),
		obs:    &recordingObserver{},
		reader: reader,
		done:   make(chan error, 1),
	}
	h.prov = &s2smock.Provider{Session: h.ai}

	var engine vad.Engine
	if localVAD {
		h.vad = &vadmock.Session{}
		engine = &vadmock.Engine{Session: h.vad}
	}

	opts = append([]Option{
		WithMetrics(metrics),
		WithObserver(h.obs),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	h.orch, err = New(cfg, h.prov, engine, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx
	return h
}

// serve runs Serve in the background without pushing a start frame.
func (h *harness) serve() {
	go func() { h.done <- h.orch.Serve(h.ctx, h.leg) }()
}

// start pushes the start frame, runs Serve and waits for the AI connection.
func (h *harness) start() {
	h.t.Helper()
	h.leg.Push(telephony.ConnectedEvent{Protocol: "Call"})
	h.leg.Push(telephony.StartEvent{
		StreamID:   "MZ1",
		CallID:     "CA1",
		Encoding:   "audio/x-mulaw",
		SampleRate: audio.TelephonyRate,
		Channels:   1,
	})
	h.serve()
	h.waitFor("AI connect", func() bool { return len(h.prov.Calls()) == 1 })
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("Serve did not return")
		return nil
	}
}

func (h *harness) stop() error {
	h.t.Helper()
	h.leg.Push(telephony.StopEvent{CallID: "CA1"})
	return h.wait()
}

func (h *harness) waitFor(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (h *harness) waitMedia(n int) {
	h.t.Helper()
	h.waitFor("media frames", func() bool { return len(h.leg.Media()) >= n })
}

func (h *harness) emitChunks(resp int, key string, from, to int) {
	for i := from; i < to; i++ {
		h.ai.Emit(s2s.AudioDelta{ResponseID: key, Audio: chunk(resp, i)})
	}
}

// localSpeech makes the local detector report ev on the next caller frame.
func (h *harness) localSpeech(ev vad.VADEventType) {
	h.vad.Push(vad.VADEvent{Type: ev, Probability: 0.9})
	h.leg.Push(callerFrame())
}

func (h *harness) frameErrors(kind string) int64 {
	h.t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		h.t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "telebridge.frames.errors" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("kind")); ok && v.AsString() == kind {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	prov := &s2smock.Provider{}
	tests := []struct {
		name string
		cfg  Config
		ai   s2s.Provider
	}{
		{"nil provider", Config{Session: s2s.SessionConfig{SampleRate: 24000}}, nil},
		{"fractional rate", Config{Session: s2s.SessionConfig{SampleRate: 22050}}, prov},
		{"missing rate", Config{}, prov},
		{"bad barge-in mode", Config{Session: s2s.SessionConfig{SampleRate: 24000}, BargeInMode: "shout"}, prov},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tt.cfg, tt.ai, nil); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}

	o, err := New(Config{Session: s2s.SessionConfig{SampleRate: 24000}}, prov, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cfg := o.Config()
	if cfg.QueueDepth != 5 || cfg.BargeInMode != BargeInClear || cfg.VAD.SampleRate != 24000 || cfg.VAD.SpeechThreshold != 0.02 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

// Five chunks stream out at real-time pace, in order.
func TestServe_PlaysResponseAtRealTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, false)
	h.start()

	h.ai.Emit(s2s.ResponseCreated{ResponseID: "resp_1"})
	h.emitChunks(1, "resp_1", 0, 5)
	h.waitMedia(5)

	media := h.leg.Media()
	for i, op := range media {
		if op.StreamID != "MZ1" {
			t.Errorf("frame %d stream = %q, want MZ1", i, op.StreamID)
		}
		if len(op.Payload) != chunkSamples || op.Payload[0] != marker(1, i) {
			t.Errorf("frame %d out of order or wrong size", i)
		}
	}
	// The fifth frame goes out after four 20 ms waits.
	elapsed := media[4].At.Sub(media[0].At)
	if elapsed < 70*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, want about 80ms", elapsed)
	}

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

// A local barge-in after the third chunk cancels the rest of the response,
// and the next response plays normally.
func TestServe_LocalBargeInThenNextResponse(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, true)
	h.start()

	h.ai.Emit(s2s.ResponseCreated{ResponseID: "resp_1"})
	h.emitChunks(1, "resp_1", 0, 3)
	h.waitMedia(3)

	h.localSpeech(vad.VADSpeechStart)
	h.waitFor("clear", func() bool { return h.leg.Count("clear") == 1 })
	h.waitFor("response.cancel", func() bool { return h.ai.Cancels() == 1 })

	// Chunks 4 and 5 were already in flight upstream.
	h.emitChunks(1, "resp_1", 3, 5)
	h.ai.Emit(s2s.ResponseDone{ResponseID: "resp_1", Status: "cancelled"})
	time.Sleep(100 * time.Millisecond)

	media := h.leg.Media()
	if len(media) != 3 {
		t.Fatalf("media frames after barge-in = %d, want 3", len(media))
	}
	for i, op := range media {
		if op.Payload[0] != marker(1, i) {
			t.Errorf("frame %d is not chunk %d", i, i+1)
		}
	}

	h.localSpeech(vad.VADSpeechEnd)
	h.waitFor("caller audio forwarded", func() bool { return len(h.ai.Audio()) == 2 })

	h.ai.Emit(s2s.ResponseCreated{ResponseID: "resp_2"})
	h.emitChunks(2, "resp_2", 0, 3)
	h.waitMedia(6)

	media = h.leg.Media()
	for i, op := range media[3:] {
		if op.Payload[0] != marker(2, i) {
			t.Errorf("response 2 frame %d wrong", i)
		}
	}
	if got := h.ai.Cancels(); got != 1 {
		t.Errorf("cancels = %d, want 1", got)
	}

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

// Two quick barge-ins leave nothing of either cancelled response in a later
// one.
func TestServe_RepeatedBargeInsDoNotLeak(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, true)
	h.start()

	h.emitChunks(1, "resp_1", 0, 3)
	h.waitMedia(1)
	h.localSpeech(vad.VADSpeechStart)
	h.waitFor("first clear", func() bool { return h.leg.Count("clear") == 1 })
	h.localSpeech(vad.VADSpeechEnd)
	h.waitFor("caller audio forwarded", func() bool { return len(h.ai.Audio()) == 2 })

	before := len(h.leg.Media())
	h.emitChunks(2, "resp_2", 0, 3)
	h.waitMedia(before + 1)
	h.ai.Emit(s2s.SpeechStarted{ItemID: "item_2"})
	h.waitFor("second clear", func() bool { return h.leg.Count("clear") == 2 })

	// Stragglers for both cancelled responses, then the caller finishes.
	h.emitChunks(1, "resp_1", 3, 5)
	h.emitChunks(2, "resp_2", 3, 5)
	h.ai.Emit(s2s.ResponseDone{ResponseID: "resp_1", Status: "completed"})
	h.ai.Emit(s2s.ResponseCancelled{ResponseID: "resp_2"})
	h.ai.Emit(s2s.SpeechStopped{ItemID: "item_2"})
	h.emitChunks(3, "resp_3", 0, 3)

	h.waitFor("third response", func() bool {
		n := 0
		for _, op := range h.leg.Media() {
			if op.Payload[0] == marker(3, 2) {
				n++
			}
		}
		return n == 1
	})

	ops := h.leg.Ops()
	var clears []int
	for i, op := range ops {
		if op.Kind == "clear" {
			clears = append(clears, i)
		}
	}
	if gap := ops[clears[1]].At.Sub(ops[clears[0]].At); gap > 500*time.Millisecond {
		t.Errorf("barge-ins %v apart, want under 500ms", gap)
	}
	third := map[byte]bool{marker(3, 0): true, marker(3, 1): true, marker(3, 2): true}
	for _, op := range ops[clears[1]+1:] {
		if op.Kind == "media" && !third[op.Payload[0]] {
			t.Errorf("audio of a cancelled response played after second barge-in")
		}
	}
	if got := h.ai.Cancels(); got != 2 {
		t.Errorf("cancels = %d, want 2", got)
	}

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_BargeInDoesNotWaitForUpstream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, true)

	var clearedFirst atomic.Bool
	h.ai.OnCancel = func() {
		clearedFirst.Store(h.leg.Count("clear") == 1)
		time.Sleep(300 * time.Millisecond)
	}
	h.start()

	h.emitChunks(1, "resp_1", 0, 5)
	h.waitMedia(1)

	heard := time.Now()
	h.localSpeech(vad.VADSpeechStart)
	h.waitFor("clear", func() bool { return h.leg.Count("clear") == 1 })

	var clearAt time.Time
	for _, op := range h.leg.Ops() {
		if op.Kind == "clear" {
			clearAt = op.At
		}
	}
	if d := clearAt.Sub(heard); d > 150*time.Millisecond {
		t.Errorf("clear sent %v after speech, want well under the 300ms upstream delay", d)
	}

	played := len(h.leg.Media())
	time.Sleep(60 * time.Millisecond)
	if got := len(h.leg.Media()); got != played {
		t.Errorf("playback continued after barge-in: %d -> %d frames", played, got)
	}

	h.waitFor("response.cancel", func() bool { return h.ai.Cancels() == 1 })
	if !clearedFirst.Load() {
		t.Error("upstream cancel sent before the call leg was cleared")
	}

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_SecondDetectorDoesNotCancelAgain(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, true)
	h.start()

	h.emitChunks(1, "resp_1", 0, 3)
	h.waitMedia(1)
	h.localSpeech(vad.VADSpeechStart)
	h.waitFor("cancel", func() bool { return h.ai.Cancels() == 1 })

	h.ai.Emit(s2s.SpeechStarted{ItemID: "item_1"})
	h.ai.Emit(s2s.ResponseCancelled{ResponseID: "resp_1"})
	h.ai.Emit(s2s.SpeechStopped{ItemID: "item_1"})

	// Remote stopped but the local detector still hears the caller: a new
	// response must stay silent.
	h.emitChunks(2, "resp_2", 0, 2)
	time.Sleep(80 * time.Millisecond)
	for _, op := range h.leg.Media() {
		if op.Payload[0] == marker(2, 0) || op.Payload[0] == marker(2, 1) {
			t.Error("played while local detector still heard the caller")
		}
	}
	if h.ai.Cancels() != 1 || h.leg.Count("clear") != 1 {
		t.Errorf("cancels = %d, clears = %d; want 1 and 1", h.ai.Cancels(), h.leg.Count("clear"))
	}

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_SpeechOverFinishedResponseClearsCallLeg(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, true)
	h.start()

	h.ai.Emit(s2s.ResponseCreated{ResponseID: "resp_1"})
	h.emitChunks(1, "resp_1", 0, 2)
	h.ai.Emit(s2s.ResponseDone{ResponseID: "resp_1", Status: "completed"})
	h.waitMedia(2)
	// Both items went out; the far end may still be playing the last one.
	time.Sleep(30 * time.Millisecond)

	h.localSpeech(vad.VADSpeechStart)
	h.waitFor("clear", func() bool { return h.leg.Count("clear") == 1 })
	if n := h.ai.Cancels(); n != 0 {
		t.Errorf("cancels = %d for a finished response, want 0", n)
	}

	// Further speech has nothing left to flush.
	h.localSpeech(vad.VADSpeechEnd)
	h.localSpeech(vad.VADSpeechStart)
	h.waitFor("caller audio forwarded", func() bool { return len(h.ai.Audio()) == 3 })
	if n := h.leg.Count("clear"); n != 1 {
		t.Errorf("clears = %d, want 1", n)
	}

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_RecordsCallSpan(t *testing.T) {
	t.Parallel()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, Config{}, true, WithTracerProvider(tp))
	h.start()
	h.emitChunks(1, "resp_1", 0, 3)
	h.waitMedia(1)
	h.localSpeech(vad.VADSpeechStart)
	h.waitFor("cancel", func() bool { return h.ai.Cancels() == 1 })
	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name != observe.SpanCall {
		t.Errorf("span name = %q, want %q", span.Name, observe.SpanCall)
	}
	attrs := map[string]string{}
	for _, kv := range span.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs[observe.AttrCallID] != "CA1" || attrs[observe.AttrStreamID] != "MZ1" || attrs[observe.AttrSessionID] == "" {
		t.Errorf("span attributes = %v", attrs)
	}
	if span.Status.Code == codes.Error {
		t.Errorf("clean hang-up marked as error: %v", span.Status)
	}

	var bargeIns int
	for _, ev := range span.Events {
		if ev.Name != observe.EventBargeIn {
			continue
		}
		bargeIns++
		for _, kv := range ev.Attributes {
			if kv.Key == "source" && kv.Value.AsString() != "local" {
				t.Errorf("barge-in source = %q, want local", kv.Value.AsString())
			}
		}
	}
	if bargeIns != 1 {
		t.Errorf("barge-in events = %d, want 1", bargeIns)
	}
}

func TestServe_FailedCallSpanIsError(t *testing.T) {
	t.Parallel()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, Config{}, false, WithTracerProvider(tp))
	h.prov.ConnectErr = errors.New("dial tcp: connection refused")
	h.leg.Push(telephony.StartEvent{StreamID: "MZ1", CallID: "CA1"})
	h.serve()
	if err := h.wait(); err == nil {
		t.Fatal("Serve succeeded, want connect error")
	}

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Status.Code != codes.Error {
		t.Fatalf("spans = %+v, want one errored call span", spans)
	}
}

func TestServe_SilenceBargeIn(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{BargeInMode: BargeInSilence, Silence: 100 * time.Millisecond}, true)
	h.start()

	h.emitChunks(1, "resp_1", 0, 4)
	h.waitMedia(1)
	h.localSpeech(vad.VADSpeechStart)

	h.waitFor("silence burst", func() bool {
		for _, op := range h.leg.Media() {
			if len(op.Payload) >= 800 && bytes.Count(op.Payload, []byte{codec.SilenceByte}) == len(op.Payload) {
				return true
			}
		}
		return false
	})
	h.waitFor("cancel", func() bool { return h.ai.Cancels() == 1 })
	if n := h.leg.Count("clear"); n != 0 {
		t.Errorf("clear sent %d times in silence mode", n)
	}

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_ForwardsCallerAudio(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{Session: s2s.SessionConfig{SampleRate: 16000}}, false)
	h.start()

	h.leg.Push(callerFrame())
	h.leg.Push(telephony.MediaEvent{Track: "outbound", Payload: []byte{1, 2, 3}})
	h.leg.Push(callerFrame())
	h.waitFor("forwarded audio", func() bool { return len(h.ai.Audio()) == 2 })

	for _, pcm := range h.ai.Audio() {
		// 160 μ-law samples at 8 kHz become 320 PCM16 samples at 16 kHz.
		if len(pcm) != 640 {
			t.Errorf("forwarded %d bytes, want 640", len(pcm))
		}
	}
	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_PlaybackMarks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{MarkInterval: 2}, false)
	h.start()

	h.emitChunks(1, "resp_1", 0, 4)
	h.waitFor("marks", func() bool { return h.leg.Count("mark") == 2 })

	var names []string
	for _, op := range h.leg.Ops() {
		if op.Kind == "mark" {
			names = append(names, op.MarkName)
		}
	}
	if names[0] != "r1-2" || names[1] != "r1-4" {
		t.Errorf("mark names = %v, want [r1-2 r1-4]", names)
	}
	h.leg.Push(telephony.MarkEvent{MarkName: "r1-2"})

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_InactivityForcesResponse(t *testing.T) {
	t.Parallel()
	cfg := Config{InactivityTimeout: 50 * time.Millisecond}
	cfg.Session.TurnDetection.Type = s2s.TurnDetectionNone
	h := newHarness(t, cfg, false)
	h.start()

	// Silent frames keep streaming but are not caller activity.
	for range 5 {
		h.leg.Push(callerFrame())
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.ai.Commits(); n != 0 {
		t.Fatalf("commits while the caller was silent = %d", n)
	}

	h.leg.Push(loudFrame())
	h.waitFor("commit", func() bool { return h.ai.Creates() == 1 })
	time.Sleep(150 * time.Millisecond)
	if c, r := h.ai.Commits(), h.ai.Creates(); c != 1 || r != 1 {
		t.Errorf("commits = %d, creates = %d after one quiet period; want 1 and 1", c, r)
	}

	ops := h.ai.Ops()
	if len(ops) < 8 || ops[5] != "append" || ops[6] != "commit" || ops[7] != "response.create" {
		t.Errorf("ops = %v, want six appends, commit, response.create", ops)
	}

	// Silence after the forced response does not start another quiet period.
	h.leg.Push(callerFrame())
	time.Sleep(100 * time.Millisecond)
	if n := h.ai.Commits(); n != 1 {
		t.Fatalf("commits after silence = %d, want 1", n)
	}

	h.leg.Push(loudFrame())
	h.waitFor("second commit", func() bool { return h.ai.Commits() == 2 })

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_NoWatchdogWithServerVAD(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{InactivityTimeout: 20 * time.Millisecond}, false)
	h.start()

	h.leg.Push(callerFrame())
	time.Sleep(100 * time.Millisecond)
	if n := h.ai.Commits(); n != 0 {
		t.Errorf("commits = %d with server VAD, want 0", n)
	}
	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestServe_SkipsBadFrames(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, false)
	h.start()

	h.leg.PushErr(&telephony.DecodeError{Event: "media", Err: errors.New("unexpected end of JSON input")})
	h.leg.PushErr(&telephony.UnknownEventError{Event: "bogus"})
	h.leg.PushErr(&telephony.PayloadError{Err: errors.New("illegal base64 data")})
	h.leg.Push(telephony.StartEvent{StreamID: "MZ1"})
	h.leg.Push(callerFrame())
	h.waitFor("forwarded audio", func() bool { return len(h.ai.Audio()) == 1 })

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if got := h.frameErrors("protocol"); got != 3 {
		t.Errorf("protocol frame errors = %d, want 3", got)
	}
	if got := h.frameErrors("codec"); got != 1 {
		t.Errorf("codec frame errors = %d, want 1", got)
	}
}

func TestServe_BeforeStart(t *testing.T) {
	t.Parallel()

	t.Run("stop", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, false)
		h.leg.Push(callerFrame())
		h.leg.Push(telephony.StopEvent{})
		h.serve()
		if err := h.wait(); err != nil {
			t.Fatalf("Serve: %v", err)
		}
		if n := len(h.prov.Calls()); n != 0 {
			t.Errorf("connected %d times before start", n)
		}
		if !h.leg.IsClosed() {
			t.Error("leg not closed")
		}
	})

	t.Run("disconnect", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, false)
		h.leg.PushErr(io.EOF)
		h.serve()
		err := h.wait()
		var te *TransportError
		if !errors.As(err, &te) || te.Leg != LegCall {
			t.Fatalf("Serve = %v, want call-leg TransportError", err)
		}
	})
}

func TestServe_ConnectFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, false)
	h.prov.ConnectErr = errors.New("dial tcp: connection refused")
	h.leg.Push(telephony.StartEvent{StreamID: "MZ1", CallID: "CA1"})
	h.serve()

	err := h.wait()
	var te *TransportError
	if !errors.As(err, &te) || te.Leg != LegAI || te.Op != "connect" {
		t.Fatalf("Serve = %v, want AI connect TransportError", err)
	}
	if !h.leg.IsClosed() {
		t.Error("leg not closed")
	}
}

func TestServe_UpstreamErrors(t *testing.T) {
	t.Parallel()

	t.Run("non-fatal", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, false)
		h.start()
		h.ai.Emit(s2s.Error{Kind: "invalid_request_error", Code: "response_cancel_not_active", Message: "no active response"})
		h.emitChunks(1, "resp_1", 0, 1)
		h.waitMedia(1)
		if err := h.stop(); err != nil {
			t.Fatalf("Serve: %v", err)
		}
	})

	t.Run("fatal", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, false)
		h.start()
		h.ai.Emit(s2s.Error{Kind: "invalid_request_error", Code: "invalid_api_key", Message: "bad key", Fatal: true})

		err := h.wait()
		if Classify(err) != KindTransport {
			t.Errorf("Classify = %v, want transport", Classify(err))
		}
		var ue *UpstreamError
		if !errors.As(err, &ue) || ue.Code != "invalid_api_key" || !ue.Fatal {
			t.Errorf("Serve = %v, want fatal UpstreamError inside", err)
		}
		if !h.leg.IsClosed() || !h.ai.Closed() {
			t.Error("legs not closed after fatal error")
		}
	})
}

func TestServe_TeardownRunsOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, true)
	h.start()

	h.ai.End(errors.New("connection reset by peer"))
	h.leg.PushErr(io.ErrUnexpectedEOF)

	err := h.wait()
	if Classify(err) != KindTransport {
		t.Fatalf("Serve = %v, want transport error", err)
	}
	started, endings := h.obs.snapshot()
	if len(started) != 1 || len(endings) != 1 {
		t.Fatalf("observer saw %d starts and %d ends, want 1 each", len(started), len(endings))
	}
	if endings[0].cs.State != StateClosed {
		t.Errorf("final state = %v, want closed", endings[0].cs.State)
	}
	if !h.leg.IsClosed() || !h.ai.Closed() {
		t.Error("legs not closed")
	}
	if h.vad.CloseCallCount != 1 {
		t.Errorf("VAD closed %d times, want 1", h.vad.CloseCallCount)
	}
}

func TestServe_CleanStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, false)
	h.start()

	if err := h.stop(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	started, endings := h.obs.snapshot()
	if len(started) != 1 || len(endings) != 1 {
		t.Fatalf("observer saw %d starts and %d ends", len(started), len(endings))
	}
	cs := started[0]
	if cs.CallID != "CA1" || cs.StreamID != "MZ1" || cs.ID == "" || cs.State != StateActive {
		t.Errorf("started session = %+v", cs)
	}
	if !errors.Is(endings[0].err, ErrStopped) {
		t.Errorf("end cause = %v, want ErrStopped", endings[0].err)
	}
	if !h.ai.Closed() || !h.leg.IsClosed() {
		t.Error("legs not closed")
	}
}

func TestServe_ContextCancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, false)
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	h.start()

	cancel()
	if err := h.wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Serve = %v, want context.Canceled", err)
	}
}
