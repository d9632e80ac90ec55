// Package audio defines the frame types that flow between the call leg and the
// AI leg, plus the sample-level helpers both directions share.
package audio

import (
	"fmt"
	"time"
)

// Encoding tags the sample format carried by an [AudioFrame].
type Encoding int

const (
	// EncodingMulaw8k is G.711 μ-law, one byte per sample, 8 kHz mono.
	EncodingMulaw8k Encoding = iota

	// EncodingLinear16 is signed 16-bit little-endian PCM, mono, at the
	// frame's SampleRate.
	EncodingLinear16
)

// TelephonyRate is the fixed sample rate of the call leg.
const TelephonyRate = 8000

// String returns the wire-style name of the encoding.
func (e Encoding) String() string {
	switch e {
	case EncodingMulaw8k:
		return "audio/x-mulaw"
	case EncodingLinear16:
		return "audio/pcm16"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// BytesPerSample returns how many bytes a single sample occupies.
func (e Encoding) BytesPerSample() int {
	if e == EncodingLinear16 {
		return 2
	}
	return 1
}

// AudioFrame is one chunk of mono audio. Frames are never mutated after
// construction; transcoding produces a new frame.
type AudioFrame struct {
	// Data holds the encoded samples.
	Data []byte

	// Encoding tags the format of Data.
	Encoding Encoding

	// SampleRate in Hz. Always [TelephonyRate] for μ-law frames.
	SampleRate int

	// Samples is the number of samples in Data.
	Samples int
}

// NewFrame builds a frame and derives its sample count from the payload size.
// A trailing partial sample is not counted.
func NewFrame(data []byte, enc Encoding, rate int) AudioFrame {
	return AudioFrame{
		Data:       data,
		Encoding:   enc,
		SampleRate: rate,
		Samples:    len(data) / enc.BytesPerSample(),
	}
}

// Duration is the real-time playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(f.Samples, f.SampleRate)
}

// SamplesDuration converts a sample count at rate into wall-clock time.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(rate))
}
