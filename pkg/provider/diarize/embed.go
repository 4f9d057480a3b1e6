package diarize

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// embedFrameSize is the analysis frame for voice embeddings, 30 ms at 16 kHz.
const embedFrameSize = 480

// embedBands is the number of RMS histogram bands in an embedding.
const embedBands = 16

// ErrTooShort is returned when a speaker has too little audio to embed.
var ErrTooShort = errors.New("diarize: audio too short for embedding")

// VoiceEmbedding computes a fixed-length voice signature from a speaker's
// concatenated audio regions. The vector combines frame-level loudness and
// zero-crossing statistics with a normalized loudness histogram; it is not a
// neural speaker embedding, but it is stable enough for cross-session
// nearest-centroid matching and needs no model file. The result is
// L2-normalized.
func VoiceEmbedding(samples []float32, sampleRate int) ([]float64, error) {
	if len(samples) < embedFrameSize*4 {
		return nil, ErrTooShort
	}

	numFrames := len(samples) / embedFrameSize
	rms := make([]float64, numFrames)
	zcr := make([]float64, numFrames)
	for f := 0; f < numFrames; f++ {
		frame := samples[f*embedFrameSize : (f+1)*embedFrameSize]
		var sum float64
		crossings := 0
		for i, s := range frame {
			sum += float64(s) * float64(s)
			if i > 0 && (s >= 0) != (frame[i-1] >= 0) {
				crossings++
			}
		}
		rms[f] = math.Sqrt(sum / float64(len(frame)))
		zcr[f] = float64(crossings) / float64(len(frame))
	}

	vec := make([]float64, 0, 4+embedBands)
	vec = append(vec,
		stat.Mean(rms, nil),
		stat.StdDev(rms, nil),
		stat.Mean(zcr, nil),
		stat.StdDev(zcr, nil),
	)

	// Histogram of frame loudness relative to the speaker's own peak, so the
	// signature captures dynamics rather than recording gain.
	peak := floats.Max(rms)
	hist := make([]float64, embedBands)
	if peak > 0 {
		for _, r := range rms {
			bin := int(r / peak * float64(embedBands))
			if bin >= embedBands {
				bin = embedBands - 1
			}
			hist[bin]++
		}
		floats.Scale(1/float64(numFrames), hist)
	}
	vec = append(vec, hist...)

	if norm := floats.Norm(vec, 2); norm > 0 {
		floats.Scale(1/norm, vec)
	}
	return vec, nil
}

// CentroidDistance returns the Euclidean distance between two embeddings, or
// an error when their dimensions differ.
func CentroidDistance(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, errors.New("diarize: embedding dimension mismatch")
	}
	return floats.Distance(a, b, 2), nil
}

// DefaultSimilarDistance is the centroid distance below which two speakers'
// voiceprints are considered near-identical. Embeddings are L2-normalized, so
// distances fall in [0, 2].
const DefaultSimilarDistance = 0.1

// SimilarSpeakers returns the speaker ID pairs whose embedding centroids lie
// within maxDistance of each other, in lexical order. Clustering that
// over-splits one voice into several speakers tends to produce such pairs.
func SimilarSpeakers(embeddings map[string][]float64, maxDistance float64) [][2]string {
	ids := make([]string, 0, len(embeddings))
	for id := range embeddings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var pairs [][2]string
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			d, err := CentroidDistance(embeddings[ids[i]], embeddings[ids[j]])
			if err != nil || d > maxDistance {
				continue
			}
			pairs = append(pairs, [2]string{ids[i], ids[j]})
		}
	}
	return pairs
}
