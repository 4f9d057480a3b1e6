package format

import (
	"fmt"
	"math"
	"strings"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// RenderSRT renders entries passing the filter as an SRT subtitle file.
// Cue numbering restarts at 1 after filtering so players accept the output.
func RenderSRT(entries []Entry, filter Filter) string {
	var b strings.Builder
	cue := 0
	for _, e := range entries {
		if !filter.Matches(e.Classification.Label) {
			continue
		}
		cue++
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			cue,
			srtTimestamp(e.Segment.Start),
			srtTimestamp(e.Segment.End),
			srtText(e),
		)
	}
	return b.String()
}

func srtText(e Entry) string {
	speaker := e.displayName()
	if e.Classification.Label == types.LabelIC && e.Classification.Character != "" {
		speaker = e.Classification.Character
	}
	return fmt.Sprintf("%s: %s", speaker, strings.TrimSpace(e.Segment.Text))
}

// srtTimestamp renders seconds as HH:MM:SS,mmm.
func srtTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	millis := int(math.Round(seconds * 1000))
	return fmt.Sprintf("%02d:%02d:%02d,%03d",
		millis/3600000,
		millis%3600000/60000,
		millis%60000/1000,
		millis%1000,
	)
}
