// Package format renders the classified transcript into its output
// representations: the full annotated text, filtered variants, SRT subtitles
// and a structured JSON document with session statistics.
package format

import (
	"fmt"
	"strings"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// Filter selects which labels a rendering includes. MIXED segments contain
// both registers, so the IC and OOC filters both keep them.
type Filter string

const (
	FilterAll       Filter = "ALL"
	FilterICOnly    Filter = "IC_ONLY"
	FilterOOCOnly   Filter = "OOC_ONLY"
	FilterMixedOnly Filter = "MIXED_ONLY"
)

// ParseFilter maps a user-supplied string onto a Filter.
func ParseFilter(s string) (Filter, error) {
	f := Filter(strings.ToUpper(strings.TrimSpace(s)))
	switch f {
	case FilterAll, FilterICOnly, FilterOOCOnly, FilterMixedOnly:
		return f, nil
	}
	return "", fmt.Errorf("format: unknown filter %q", s)
}

// Matches reports whether a label passes the filter.
func (f Filter) Matches(label types.Label) bool {
	switch f {
	case FilterAll:
		return true
	case FilterICOnly:
		return label == types.LabelIC || label == types.LabelMixed
	case FilterOOCOnly:
		return label == types.LabelOOC || label == types.LabelMixed
	case FilterMixedOnly:
		return label == types.LabelMixed
	}
	return false
}

// Entry pairs a transcript segment with its classification. SpeakerName is
// the human name mapped onto the diarizer's speaker ID, empty when no
// mapping exists.
type Entry struct {
	Segment        types.LabeledSegment
	Classification types.Classification
	SpeakerName    string
}

// Zip pairs segments with their positionally aligned classifications and
// resolves speaker IDs against the name mapping. A missing classification
// defaults the entry to IC so rendering never drops text; a nil mapping
// leaves every SpeakerName empty.
func Zip(segments []types.LabeledSegment, classifications []types.Classification, names map[string]string) []Entry {
	out := make([]Entry, len(segments))
	for i, seg := range segments {
		c := types.Classification{SegmentIndex: i, Label: types.LabelIC, Confidence: 0}
		if i < len(classifications) {
			c = classifications[i]
		}
		out[i] = Entry{Segment: seg, Classification: c, SpeakerName: names[seg.SpeakerID]}
	}
	return out
}

// displayName is the mapped speaker name, falling back to the raw ID.
func (e Entry) displayName() string {
	if e.SpeakerName != "" {
		return e.SpeakerName
	}
	return e.Segment.SpeakerID
}

// RenderText renders entries passing the filter as annotated lines:
//
//	[HH:MM:SS] speaker (label): text
//
// In-character speech with a known character reads "speaker as character".
func RenderText(entries []Entry, filter Filter) string {
	var b strings.Builder
	for _, e := range entries {
		if !filter.Matches(e.Classification.Label) {
			continue
		}
		b.WriteString(formatLine(e))
		b.WriteByte('\n')
	}
	return b.String()
}

func formatLine(e Entry) string {
	speaker := e.displayName()
	if e.Classification.Label == types.LabelIC && e.Classification.Character != "" {
		speaker = fmt.Sprintf("%s as %s", speaker, e.Classification.Character)
	}
	return fmt.Sprintf("[%s] %s (%s): %s",
		clockTimestamp(e.Segment.Start),
		speaker,
		e.Classification.Label,
		strings.TrimSpace(e.Segment.Text),
	)
}

// clockTimestamp renders seconds as HH:MM:SS.
func clockTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}
