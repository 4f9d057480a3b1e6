// Package align attributes transcription segments to speakers by maximum
// temporal overlap with the diarizer's speaker turns.
package align

import (
	"sort"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// Assign labels each transcription segment with the speaker whose diarized
// turn overlaps it the most. A segment overlapping no turn at all is labeled
// [types.UnknownSpeaker]. All fields of the transcription segment are
// preserved; the result is ordered by start time, ties broken by input order.
func Assign(segments []types.TranscriptionSegment, speakers []types.SpeakerSegment) []types.LabeledSegment {
	labeled := make([]types.LabeledSegment, 0, len(segments))
	for _, seg := range segments {
		labeled = append(labeled, types.LabeledSegment{
			Text:       seg.Text,
			Start:      seg.Start,
			End:        seg.End,
			Confidence: seg.Confidence,
			Words:      seg.Words,
			SpeakerID:  bestSpeaker(seg, speakers),
		})
	}
	sort.SliceStable(labeled, func(i, j int) bool { return labeled[i].Start < labeled[j].Start })
	return labeled
}

// bestSpeaker returns the speaker with the greatest overlap against seg, or
// UNKNOWN when every overlap is zero.
func bestSpeaker(seg types.TranscriptionSegment, speakers []types.SpeakerSegment) string {
	best := types.UnknownSpeaker
	bestOverlap := 0.0
	for _, sp := range speakers {
		if o := overlap(seg.Start, seg.End, sp.Start, sp.End); o > bestOverlap {
			bestOverlap = o
			best = sp.SpeakerID
		}
	}
	return best
}

// overlap returns the length of the intersection of [aStart, aEnd) and
// [bStart, bEnd), or 0 when they are disjoint.
func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aEnd
	if bEnd < hi {
		hi = bEnd
	}
	if hi <= lo {
		return 0
	}
	return hi - lo
}
