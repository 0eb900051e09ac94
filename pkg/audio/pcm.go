package audio

import "math"

// PeakToPeak returns the difference between the largest and the smallest
// 16-bit little-endian sample in pcm. A trailing odd byte is ignored and a
// buffer with no complete sample yields 0.
func PeakToPeak(pcm []byte) int {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	lo, hi := int(math.MaxInt16), int(math.MinInt16)
	for i := range n {
		s := int(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return hi - lo
}

// RMS returns the root-mean-square energy of 16-bit little-endian PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ScaleVolume multiplies every 16-bit little-endian sample by factor and
// clamps the result to the int16 range. The fractional part is truncated
// toward zero. A factor of 0 yields silence. The input is not modified.
func ScaleVolume(pcm []byte, factor float64) []byte {
	out := make([]byte, len(pcm)&^1)
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		v := clampInt16(float64(s) * factor)
		out[i] = byte(v)
		out[i+1] = byte(uint16(v) >> 8)
	}
	return out
}

func clampInt16(v float64) int16 {
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	case math.IsNaN(v):
		return 0
	}
	return int16(v)
}
