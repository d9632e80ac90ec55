package vad

// VADEvent is the detection result for a single frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the frame's speech score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates detection transitions.
type VADEventType int

const (
	// VADSilence indicates no speech.
	VADSilence VADEventType = iota

	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd
)

func (t VADEventType) String() string {
	switch t {
	case VADSilence:
		return "silence"
	case VADSpeechStart:
		return "speech_start"
	case VADSpeechContinue:
		return "speech_continue"
	case VADSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}
