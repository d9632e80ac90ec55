// Package energy implements [vad.Engine] with a frame-energy threshold.
//
// The score of a frame is its RMS amplitude normalised to full scale. The
// detector is coarse and can misfire on line noise, which is acceptable: it
// only ever makes the bridge stop talking sooner, and the AI endpoint's own
// detector decides when the user has really finished.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/MrWong99/telebridge/pkg/audio"
	"github.com/MrWong99/telebridge/pkg/provider/vad"
)

var (
	// ErrClosed is returned by ProcessFrame after Close.
	ErrClosed = errors.New("energy: session closed")

	// ErrOddFrame is returned for frames that are not whole PCM16 samples.
	ErrOddFrame = errors.New("energy: frame has odd byte count")
)

// Engine creates energy-threshold sessions.
type Engine struct{}

// New returns an Engine.
func New() *Engine { return &Engine{} }

var _ vad.Engine = (*Engine)(nil)

// NewSession validates cfg and returns a session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold <= 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %.3f out of range (0, 1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %.3f must be in [0, %.3f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = cfg.SpeechThreshold
	}
	return &session{cfg: cfg}, nil
}

type session struct {
	cfg vad.Config

	mu       sync.Mutex
	speaking bool
	above    int // consecutive loud samples while silent
	below    int // consecutive quiet samples while speaking
	closed   bool
}

func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	if len(frame)%2 != 0 {
		return vad.VADEvent{}, ErrOddFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, ErrClosed
	}

	score := RMS(frame)
	n := len(frame) / 2
	ev := vad.VADEvent{Probability: score}

	if !s.speaking {
		if score < s.cfg.SpeechThreshold {
			s.above = 0
			ev.Type = vad.VADSilence
			return ev, nil
		}
		s.above += n
		if audio.SamplesDuration(s.above, s.cfg.SampleRate) < s.cfg.MinSpeech {
			ev.Type = vad.VADSilence
			return ev, nil
		}
		s.speaking = true
		s.above, s.below = 0, 0
		ev.Type = vad.VADSpeechStart
		return ev, nil
	}

	if score >= s.cfg.SilenceThreshold {
		s.below = 0
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}
	s.below += n
	if audio.SamplesDuration(s.below, s.cfg.SampleRate) < s.cfg.Hangover {
		ev.Type = vad.VADSpeechContinue
		return ev, nil
	}
	s.speaking = false
	s.above, s.below = 0, 0
	ev.Type = vad.VADSpeechEnd
	return ev, nil
}

func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.above, s.below = 0, 0
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// RMS returns the root-mean-square amplitude of PCM16 data as a fraction of
// full scale.
func RMS(pcm []byte) float64 {
	samples := audio.Samples16(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768
}
