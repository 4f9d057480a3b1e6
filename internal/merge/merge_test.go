package merge

import (
	"testing"

	"github.com/tablescribe/tablescribe/pkg/types"
)

func seg(text string, start, end float64) types.TranscriptionSegment {
	return types.TranscriptionSegment{Text: text, Start: start, End: end}
}

func TestMerge_OverlapCut(t *testing.T) {
	// Chunk A [0, 60] with segments ending at 58 and 59.5; chunk B [50, 110]
	// with segments starting at 50.2, 52 and 62. The cut is at 60: B's two
	// segments inside the overlap are dropped.
	a := types.ChunkTranscription{
		ChunkIndex: 0, ChunkStart: 0, ChunkEnd: 60,
		Segments: []types.TranscriptionSegment{
			seg("alpha", 55, 58),
			seg("bravo", 58.5, 59.5),
		},
	}
	b := types.ChunkTranscription{
		ChunkIndex: 1, ChunkStart: 50, ChunkEnd: 110,
		Segments: []types.TranscriptionSegment{
			seg("alpha again", 50.2, 53),
			seg("bravo again", 52, 59),
			seg("charlie", 62, 65),
		},
	}

	got, err := Merge([]types.ChunkTranscription{a, b})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(got) != len(want) {
		t.Fatalf("got %d segments, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("segment %d = %q, want %q", i, got[i].Text, w)
		}
	}
}

func TestMerge_DropsStraddlers(t *testing.T) {
	// A segment crossing its own chunk's end never survives; the next chunk
	// re-hears that audio inside the overlap.
	a := types.ChunkTranscription{
		ChunkIndex: 0, ChunkEnd: 60,
		Segments: []types.TranscriptionSegment{
			seg("inside", 50, 59),
			seg("straddler", 58, 61),
		},
	}
	b := types.ChunkTranscription{
		ChunkIndex: 1, ChunkStart: 50, ChunkEnd: 110,
		Segments: []types.TranscriptionSegment{
			seg("re-heard", 60, 63),
		},
	}

	got, err := Merge([]types.ChunkTranscription{a, b})
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range got {
		if s.Text == "straddler" {
			t.Error("straddling segment survived the merge")
		}
	}
	if len(got) != 2 {
		t.Errorf("got %d segments, want 2", len(got))
	}
}

func TestMerge_UnorderedInput(t *testing.T) {
	a := types.ChunkTranscription{ChunkIndex: 0, ChunkEnd: 60, Segments: []types.TranscriptionSegment{seg("first", 1, 2)}}
	b := types.ChunkTranscription{ChunkIndex: 1, ChunkStart: 50, ChunkEnd: 110, Segments: []types.TranscriptionSegment{seg("second", 70, 72)}}

	got, err := Merge([]types.ChunkTranscription{b, a})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Errorf("unordered input not restored to timeline order: %+v", got)
	}
}

func TestMerge_DuplicateChunkIndex(t *testing.T) {
	a := types.ChunkTranscription{ChunkIndex: 3, ChunkEnd: 60}
	b := types.ChunkTranscription{ChunkIndex: 3, ChunkEnd: 60}
	if _, err := Merge([]types.ChunkTranscription{a, b}); err == nil {
		t.Error("want error for duplicate chunk index")
	}
}

func TestMerge_SingleChunk(t *testing.T) {
	a := types.ChunkTranscription{
		ChunkIndex: 0, ChunkEnd: 45,
		Segments: []types.TranscriptionSegment{seg("only", 0, 44)},
	}
	got, err := Merge([]types.ChunkTranscription{a})
	if err != nil || len(got) != 1 {
		t.Fatalf("got %d segments (err=%v), want 1", len(got), err)
	}
}

func TestMerge_Empty(t *testing.T) {
	got, err := Merge(nil)
	if err != nil || got != nil {
		t.Errorf("Merge(nil) = %v, %v; want nil, nil", got, err)
	}
}
