package format

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// StructuredSegment is one entry in the structured JSON output.
type StructuredSegment struct {
	Index       int         `json:"index"`
	Start       float64     `json:"start"`
	End         float64     `json:"end"`
	SpeakerID   string      `json:"speaker_id"`
	SpeakerName string      `json:"speaker_name,omitempty"`
	Character   string      `json:"character,omitempty"`
	Label       types.Label `json:"label"`
	Confidence  float64     `json:"confidence"`
	Reasoning   string      `json:"reasoning,omitempty"`
	Text        string      `json:"text"`
}

// StructuredTranscript is the machine-readable session document.
type StructuredTranscript struct {
	SessionID   string              `json:"session_id"`
	GeneratedAt string              `json:"generated_at"`
	Segments    []StructuredSegment `json:"segments"`
	Stats       Stats               `json:"stats"`
}

// BuildStructured assembles the structured document over all entries,
// unfiltered; consumers filter on the label field themselves.
func BuildStructured(sessionID string, entries []Entry) StructuredTranscript {
	doc := StructuredTranscript{
		SessionID:   sessionID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Segments:    make([]StructuredSegment, len(entries)),
		Stats:       ComputeStats(entries),
	}
	for i, e := range entries {
		doc.Segments[i] = StructuredSegment{
			Index:       i,
			Start:       e.Segment.Start,
			End:         e.Segment.End,
			SpeakerID:   e.Segment.SpeakerID,
			SpeakerName: e.SpeakerName,
			Character:   e.Classification.Character,
			Label:       e.Classification.Label,
			Confidence:  e.Classification.Confidence,
			Reasoning:   e.Classification.Reasoning,
			Text:        e.Segment.Text,
		}
	}
	return doc
}

// RenderStructured marshals the structured document with indentation.
func RenderStructured(sessionID string, entries []Entry) ([]byte, error) {
	data, err := json.MarshalIndent(BuildStructured(sessionID, entries), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("format: marshal structured transcript: %w", err)
	}
	return data, nil
}
