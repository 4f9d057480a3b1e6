// Package merge stitches transcriptions of overlapping chunks into a single
// timeline.
//
// The policy is a plain time cut at each chunk boundary: for a consecutive
// pair (A, B) the split point is A's chunk end; A contributes every segment
// that ends at or before the split, B contributes every segment that starts
// at or after it. Segments straddling the split are dropped from A. Textual
// dedup heuristics (longest common subsequence over words) were considered
// and rejected: transcription output itself contains errors, so text matching
// is fragile where a time cut is robust.
package merge

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// Merge combines per-chunk transcriptions into one ordered segment list on
// the absolute timeline. Input order does not matter; transcriptions are
// sorted by chunk index first. Returns an error if two transcriptions carry
// the same chunk index.
func Merge(transcriptions []types.ChunkTranscription) ([]types.TranscriptionSegment, error) {
	if len(transcriptions) == 0 {
		return nil, nil
	}

	sorted := append([]types.ChunkTranscription(nil), transcriptions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ChunkIndex == sorted[i-1].ChunkIndex {
			return nil, fmt.Errorf("merge: duplicate chunk index %d", sorted[i].ChunkIndex)
		}
	}

	var out []types.TranscriptionSegment
	dropped := 0
	prevEnd := math.Inf(-1)
	for _, ct := range sorted {
		for _, seg := range ct.Segments {
			if seg.Start < prevEnd {
				// Overlap region already covered by the previous chunk.
				dropped++
				continue
			}
			if seg.End > ct.ChunkEnd {
				// Straddles this chunk's own end; the next chunk re-hears it.
				dropped++
				continue
			}
			out = append(out, seg)
		}
		prevEnd = ct.ChunkEnd
	}

	if dropped > 0 {
		slog.Debug("merged chunk transcriptions", "chunks", len(sorted), "segments", len(out), "dropped_overlap", dropped)
	}
	return out, nil
}
