package intermediate

import (
	"github.com/tablescribe/tablescribe/internal/format"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// Scene is a contiguous run of segments sharing one classification label.
// Scenes give readers the shape of the session at a glance: where play
// happened and where the table drifted off.
type Scene struct {
	Label         types.Label `json:"label"`
	Start         float64     `json:"start"`
	End           float64     `json:"end"`
	SegmentFirst  int         `json:"segment_first"`
	SegmentLast   int         `json:"segment_last"`
	SegmentCount  int         `json:"segment_count"`
	Speakers      []string    `json:"speakers"`
}

// ScenesDocument is the stage_6_scenes.json payload.
type ScenesDocument struct {
	Envelope
	Scenes []Scene `json:"scenes"`
}

// BuildScenes groups entries into label-contiguous scenes.
func BuildScenes(entries []format.Entry) []Scene {
	scenes := []Scene{}
	for i, e := range entries {
		label := e.Classification.Label
		if len(scenes) == 0 || scenes[len(scenes)-1].Label != label {
			scenes = append(scenes, Scene{
				Label:        label,
				Start:        e.Segment.Start,
				End:          e.Segment.End,
				SegmentFirst: i,
				SegmentLast:  i,
			})
		}
		s := &scenes[len(scenes)-1]
		s.End = e.Segment.End
		s.SegmentLast = i
		s.SegmentCount++
		s.Speakers = appendUnique(s.Speakers, e.Segment.SpeakerID)
	}
	return scenes
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// SaveScenes writes stage_6_scenes.json.
func (w *Writer) SaveScenes(scenes []Scene) error {
	return w.save(FileScenes, ScenesDocument{
		Envelope: w.envelope("classified", 6),
		Scenes:   scenes,
	})
}
