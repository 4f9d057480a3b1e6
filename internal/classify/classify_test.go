package classify

import (
	"strings"
	"testing"

	"github.com/tablescribe/tablescribe/pkg/types"
)

func segs(texts ...string) []types.LabeledSegment {
	out := make([]types.LabeledSegment, len(texts))
	for i, t := range texts {
		out[i] = types.LabeledSegment{
			Text:      t,
			Start:     float64(i) * 5,
			End:       float64(i)*5 + 4,
			SpeakerID: "SPEAKER_00",
		}
	}
	return out
}

func TestBuildPromptContext(t *testing.T) {
	segments := segs("first line", "second line", "third line")
	roster := Roster{
		CharacterNames: []string{"Kaelen", "Brenna"},
		PlayerNames:    []string{"Alice", "Bob"},
	}

	first := BuildPrompt(segments, 0, roster)
	if !strings.Contains(first, "Previous segment: (start of session)") {
		t.Errorf("first prompt missing start marker:\n%s", first)
	}
	if !strings.Contains(first, "Next segment: second line") {
		t.Errorf("first prompt missing next segment:\n%s", first)
	}

	middle := BuildPrompt(segments, 1, roster)
	for _, want := range []string{
		"Previous segment: first line",
		"Current segment: second line",
		"Next segment: third line",
		"Player characters: Kaelen, Brenna",
		"Players: Alice, Bob",
	} {
		if !strings.Contains(middle, want) {
			t.Errorf("middle prompt missing %q:\n%s", want, middle)
		}
	}

	last := BuildPrompt(segments, 2, roster)
	if !strings.Contains(last, "Next segment: (end of session)") {
		t.Errorf("last prompt missing end marker:\n%s", last)
	}
}

func TestBuildPromptEmptyRoster(t *testing.T) {
	prompt := BuildPrompt(segs("hello"), 0, Roster{})
	if !strings.Contains(prompt, "Player characters: (none listed)") {
		t.Errorf("empty roster not rendered as placeholder:\n%s", prompt)
	}
}

func TestHash(t *testing.T) {
	h := Hash("some prompt")
	if len(h) != 64 {
		t.Fatalf("Hash length = %d, want 64", len(h))
	}
	if h != Hash("some prompt") {
		t.Error("Hash is not deterministic")
	}
	if h == Hash("other prompt") {
		t.Error("distinct inputs produced the same hash")
	}
}

func TestDefaults(t *testing.T) {
	got := Defaults(3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, c := range got {
		if c.SegmentIndex != i {
			t.Errorf("got[%d].SegmentIndex = %d", i, c.SegmentIndex)
		}
		if c.Label != types.LabelIC || c.Confidence != DefaultConfidence || c.Reasoning != FailureReasoning {
			t.Errorf("got[%d] = %+v, want defaulted IC", i, c)
		}
	}
}
