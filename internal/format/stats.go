package format

import (
	"github.com/tablescribe/tablescribe/pkg/types"
)

// LabelStats aggregates one label's share of the session.
type LabelStats struct {
	Segments int     `json:"segments"`
	Seconds  float64 `json:"seconds"`
}

// Stats summarizes a classified session.
type Stats struct {
	// TotalSegments counts all entries before filtering.
	TotalSegments int `json:"total_segments"`

	// SessionSeconds is the end of the last segment.
	SessionSeconds float64 `json:"session_seconds"`

	// Labels breaks segments down per classification label.
	Labels map[types.Label]LabelStats `json:"labels"`

	// SpeakerSegments counts segments per speaker ID.
	SpeakerSegments map[string]int `json:"speaker_segments"`

	// SpeakerSeconds is speaking time per speaker ID.
	SpeakerSeconds map[string]float64 `json:"speaker_seconds"`

	// CharacterSegments counts in-character lines per character.
	CharacterSegments map[string]int `json:"character_segments"`

	// MeanConfidence averages classification confidence across all entries.
	MeanConfidence float64 `json:"mean_confidence"`
}

// ComputeStats aggregates session statistics over all entries.
func ComputeStats(entries []Entry) Stats {
	s := Stats{
		TotalSegments:     len(entries),
		Labels:            make(map[types.Label]LabelStats),
		SpeakerSegments:   make(map[string]int),
		SpeakerSeconds:    make(map[string]float64),
		CharacterSegments: make(map[string]int),
	}
	var confidenceSum float64
	for _, e := range entries {
		dur := e.Segment.End - e.Segment.Start
		if dur < 0 {
			dur = 0
		}

		ls := s.Labels[e.Classification.Label]
		ls.Segments++
		ls.Seconds += dur
		s.Labels[e.Classification.Label] = ls

		s.SpeakerSegments[e.Segment.SpeakerID]++
		s.SpeakerSeconds[e.Segment.SpeakerID] += dur
		if e.Classification.Character != "" {
			s.CharacterSegments[e.Classification.Character]++
		}
		confidenceSum += e.Classification.Confidence

		if e.Segment.End > s.SessionSeconds {
			s.SessionSeconds = e.Segment.End
		}
	}
	if len(entries) > 0 {
		s.MeanConfidence = confidenceSum / float64(len(entries))
	}
	return s
}
