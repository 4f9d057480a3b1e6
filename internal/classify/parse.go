package classify

import (
	"strconv"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// parseFailureReasoning marks classifications whose response could not be
// parsed into a known label.
const parseFailureReasoning = "parse-failure"

// ParseResponse extracts a Classification from an LLM response for
// segments[index]. The expected shape is line-oriented "Field: value" pairs;
// models that wrap the answer in prose still parse as long as the field
// names appear at line starts. An unknown or missing label defaults to IC
// with parse-failure reasoning; confidence is clamped to [0, 1]; a character
// name is snapped onto the roster, phonetically if need be.
func ParseResponse(response string, index int, roster Roster) types.Classification {
	c := types.Classification{
		SegmentIndex: index,
		Label:        types.LabelIC,
		Confidence:   DefaultConfidence,
		Reasoning:    parseFailureReasoning,
	}

	labelSeen := false
	for _, line := range strings.Split(response, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "classification":
			if label := types.Label(strings.ToUpper(strings.Trim(value, " .*`"))); label.IsValid() {
				c.Label = label
				labelSeen = true
			}
		case "reasoning":
			if value != "" {
				c.Reasoning = value
			}
		case "confidence":
			if f, err := strconv.ParseFloat(strings.Trim(value, " %*`"), 64); err == nil {
				c.Confidence = clamp01(f)
			}
		case "character":
			c.Character = SnapCharacter(value, roster.CharacterNames)
		}
	}

	if !labelSeen {
		// Whatever else parsed, an unknown label makes the whole
		// classification untrustworthy.
		c.Label = types.LabelIC
		c.Reasoning = parseFailureReasoning
		c.Confidence = DefaultConfidence
	}
	return c
}

// SnapCharacter maps a model-emitted character name onto the canonical
// roster. Exact matches (case-insensitive) win; otherwise the phonetically
// closest roster name within a small edit distance is used — transcribed
// fantasy names drift ("Kaelen" vs "Kalen") and the model echoes the drift.
// Returns "" when the value is N/A-ish or nothing on the roster is close.
func SnapCharacter(value string, characterNames []string) string {
	value = strings.Trim(value, " .*`\"'")
	if value == "" {
		return ""
	}
	switch strings.ToLower(value) {
	case "n/a", "na", "none", "unknown", "-":
		return ""
	}

	for _, name := range characterNames {
		if strings.EqualFold(name, value) {
			return name
		}
	}

	valueMeta, _ := matchr.DoubleMetaphone(value)
	best := ""
	bestDist := 3 // max Levenshtein distance considered the same name
	for _, name := range characterNames {
		nameMeta, _ := matchr.DoubleMetaphone(name)
		if valueMeta != "" && valueMeta == nameMeta {
			return name
		}
		if d := matchr.Levenshtein(strings.ToLower(value), strings.ToLower(name)); d < bestDist {
			bestDist = d
			best = name
		}
	}
	return best
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
