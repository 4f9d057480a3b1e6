// Package diarize defines the Diarizer interface for speaker diarization
// backends.
//
// A diarizer answers "who spoke when": given a full recording it returns
// speaker-attributed time segments plus one voice embedding per discovered
// speaker. Speaker identities are local to the recording ("SPEAKER_00",
// "SPEAKER_01", ...); the embeddings let downstream consumers match them
// across sessions.
//
// Diarization is a degradable capability. When a backend fails outright the
// pipeline falls back to [Fallback], a single segment attributing the whole
// recording to one speaker.
package diarize

import (
	"context"
	"fmt"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// Result is the output of a diarization run.
type Result struct {
	// Segments are the speaker turns, sorted by start time.
	Segments []types.SpeakerSegment

	// Embeddings maps speaker ID to that speaker's voice embedding. Speakers
	// whose embedding extraction failed are absent; segment attribution is
	// still valid for them.
	Embeddings map[string][]float64
}

// Diarizer attributes time regions of a recording to speakers.
type Diarizer interface {
	// Diarize analyses samples and returns speaker turns and embeddings.
	// numSpeakers is a hint for the clustering step; pass 0 to let the
	// backend decide.
	Diarize(ctx context.Context, samples []float32, sampleRate, numSpeakers int) (Result, error)
}

// SpeakerID renders the canonical speaker label for a cluster index.
func SpeakerID(index int) string {
	return fmt.Sprintf("SPEAKER_%02d", index)
}

// Fallback returns the degraded single-speaker result: one segment spanning
// the whole recording attributed to [types.FallbackSpeaker], with no
// embeddings.
func Fallback(duration float64) Result {
	return Result{
		Segments: []types.SpeakerSegment{
			{SpeakerID: types.FallbackSpeaker, Start: 0, End: duration},
		},
	}
}
