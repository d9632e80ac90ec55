package audio

// Resample16 converts 16-bit little-endian mono PCM between two sample rates
// whose ratio is a whole number. Upsampling linearly interpolates between
// neighbouring samples and holds the final sample. Downsampling keeps every
// Nth sample; source samples that do not complete a step are truncated.
//
// No state is carried between calls. A trailing odd byte is padded with a
// zero byte so it counts as one sample. Non-integer ratios and non-positive
// rates return the padded input unchanged.
func Resample16(pcm []byte, from, to int) []byte {
	if len(pcm) == 0 {
		return []byte{}
	}
	pcm = padEven(pcm)
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}

	n := len(pcm) / 2
	switch {
	case to > from && to%from == 0:
		return upsample(pcm, n, to/from)
	case from > to && from%to == 0:
		return decimate(pcm, n, from/to)
	default:
		return pcm
	}
}

// IsIntegerRatio reports whether Resample16 can convert between a and b.
func IsIntegerRatio(a, b int) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	if a > b {
		return a%b == 0
	}
	return b%a == 0
}

func upsample(pcm []byte, n, ratio int) []byte {
	out := make([]byte, n*ratio*2)
	for i := range n {
		s0 := int32(Sample(pcm, i))
		s1 := s0
		if i+1 < n {
			s1 = int32(Sample(pcm, i+1))
		}
		for k := range ratio {
			v := s0 + (s1-s0)*int32(k)/int32(ratio)
			PutSample(out, i*ratio+k, int16(v))
		}
	}
	return out
}

func decimate(pcm []byte, n, ratio int) []byte {
	m := n / ratio
	out := make([]byte, m*2)
	for i := range m {
		PutSample(out, i, Sample(pcm, i*ratio))
	}
	return out
}

func padEven(pcm []byte) []byte {
	if len(pcm)%2 == 0 {
		return pcm
	}
	out := make([]byte, len(pcm)+1)
	copy(out, pcm)
	return out
}

// Sample reads the i-th little-endian int16 sample from pcm.
func Sample(pcm []byte, i int) int16 {
	return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
}

// PutSample writes s as the i-th little-endian int16 sample of pcm.
func PutSample(pcm []byte, i int, s int16) {
	pcm[i*2] = byte(s)
	pcm[i*2+1] = byte(s >> 8)
}

// Samples16 decodes little-endian PCM into int16 samples. A trailing odd byte
// is ignored.
func Samples16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = Sample(pcm, i)
	}
	return out
}

// Bytes16 encodes samples as little-endian PCM.
func Bytes16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		PutSample(out, i, s)
	}
	return out
}
