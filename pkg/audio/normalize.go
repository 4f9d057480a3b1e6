package audio

import "math"

// PeakNormalize scales samples in place so the loudest sample has absolute
// value 1.0. Silence (all-zero input) is returned unchanged, as is an already
// peak-normalised buffer. Returns the same slice for chaining.
func PeakNormalize(samples []float32) []float32 {
	var peak float32
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak == 0 || peak == 1 {
		return samples
	}
	inv := 1 / peak
	for i := range samples {
		samples[i] *= inv
	}
	return samples
}

// RMS returns the root mean square of samples. Used by the energy VAD as a
// frame-level loudness measure.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
