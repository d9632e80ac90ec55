package energy_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/telebridge/pkg/audio"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
	"github.com/MrWong99/telebridge/pkg/provider/vad/energy"
)

const rate = 8000

// frame returns 20 ms of a square wave with the given amplitude.
func frame(amp int16) []byte {
	s := make([]int16, rate/50)
	for i := range s {
		if i%2 == 0 {
			s[i] = amp
		} else {
			s[i] = -amp
		}
	}
	return audio.Bytes16(s)
}

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func process(t *testing.T, sess vad.SessionHandle, f []byte) vad.VADEventType {
	t.Helper()
	ev, err := sess.ProcessFrame(f)
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	return ev.Type
}

func TestRMS(t *testing.T) {
	t.Parallel()
	if got := energy.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v", got)
	}
	got := energy.RMS(frame(16384))
	if got < 0.499 || got > 0.501 {
		t.Errorf("RMS(half scale) = %v, want 0.5", got)
	}
}

func TestSession_StartAndHangover(t *testing.T) {
	t.Parallel()
	sess := newSession(t, vad.Config{
		SampleRate:       rate,
		SpeechThreshold:  0.1,
		SilenceThreshold: 0.05,
		Hangover:         40 * time.Millisecond,
	})

	loud, quiet := frame(8000), frame(100)

	if got := process(t, sess, quiet); got != vad.VADSilence {
		t.Fatalf("quiet frame: got %v", got)
	}
	if got := process(t, sess, loud); got != vad.VADSpeechStart {
		t.Fatalf("first loud frame: got %v, want speech_start", got)
	}
	if got := process(t, sess, loud); got != vad.VADSpeechContinue {
		t.Fatalf("second loud frame: got %v", got)
	}
	// One quiet frame is inside the hangover.
	if got := process(t, sess, quiet); got != vad.VADSpeechContinue {
		t.Fatalf("quiet in hangover: got %v", got)
	}
	if got := process(t, sess, quiet); got != vad.VADSpeechEnd {
		t.Fatalf("hangover expired: got %v, want speech_end", got)
	}
	if got := process(t, sess, quiet); got != vad.VADSilence {
		t.Fatalf("after end: got %v", got)
	}
}

func TestSession_MinSpeechDebounces(t *testing.T) {
	t.Parallel()
	sess := newSession(t, vad.Config{
		SampleRate:      rate,
		SpeechThreshold: 0.1,
		MinSpeech:       40 * time.Millisecond,
	})
	loud, quiet := frame(8000), frame(0)

	if got := process(t, sess, loud); got != vad.VADSilence {
		t.Fatalf("first loud frame: got %v, want silence (debounced)", got)
	}
	// A click resets the counter.
	process(t, sess, quiet)
	if got := process(t, sess, loud); got != vad.VADSilence {
		t.Fatalf("after reset: got %v", got)
	}
	if got := process(t, sess, loud); got != vad.VADSpeechStart {
		t.Fatalf("sustained: got %v, want speech_start", got)
	}
}

func TestSession_Reset(t *testing.T) {
	t.Parallel()
	sess := newSession(t, vad.Config{SampleRate: rate, SpeechThreshold: 0.1})
	process(t, sess, frame(8000))
	sess.Reset()
	if got := process(t, sess, frame(8000)); got != vad.VADSpeechStart {
		t.Errorf("after Reset: got %v, want speech_start", got)
	}
}

func TestSession_Errors(t *testing.T) {
	t.Parallel()
	sess := newSession(t, vad.Config{SampleRate: rate, SpeechThreshold: 0.1})
	if _, err := sess.ProcessFrame([]byte{1, 2, 3}); !errors.Is(err, energy.ErrOddFrame) {
		t.Errorf("odd frame: got %v", err)
	}
	_ = sess.Close()
	if _, err := sess.ProcessFrame(frame(0)); !errors.Is(err, energy.ErrClosed) {
		t.Errorf("after close: got %v", err)
	}
}

func TestNewSession_Validation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero rate", vad.Config{SpeechThreshold: 0.1}},
		{"zero threshold", vad.Config{SampleRate: rate}},
		{"threshold above one", vad.Config{SampleRate: rate, SpeechThreshold: 1.5}},
		{"silence above speech", vad.Config{SampleRate: rate, SpeechThreshold: 0.1, SilenceThreshold: 0.2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := energy.New().NewSession(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
