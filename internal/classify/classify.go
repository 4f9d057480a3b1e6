// Package classify labels transcript segments as in-character, out-of-
// character, or mixed table talk.
//
// Three variants share the prompt construction and response parsing in this
// file: a local model variant with memory-pressure recovery, a remote API
// variant governed by the shared rate limiter, and an offloaded variant that
// exchanges job files with an external worker. Classification is degradable
// per segment; a segment whose every recovery path fails is defaulted to IC
// rather than failing the stage.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// DefaultConfidence is assigned when classification fails entirely and the
// segment is defaulted to IC.
const DefaultConfidence = 0.5

// FailureReasoning is the reasoning text attached to defaulted
// classifications.
const FailureReasoning = "Classification failed, defaulted to IC"

// Roster carries the party context included in every prompt.
type Roster struct {
	// CharacterNames are the player characters' names.
	CharacterNames []string

	// PlayerNames are the real players' names.
	PlayerNames []string
}

// Classifier labels a full list of segments. The result is positionally
// aligned with the input and always the same length.
type Classifier interface {
	Classify(ctx context.Context, segments []types.LabeledSegment, roster Roster) ([]types.Classification, error)
}

// AuditRecord captures one prompt/response exchange for the stage 6 audit
// log. Raw texts are included; the audit sink decides what to persist and
// what to redact.
type AuditRecord struct {
	SegmentIndex int
	Prompt       string
	Response     string
	Model        string
	Options      map[string]any
	Attempt      string
}

// AuditFunc receives one record per LLM exchange. May be nil. Failures are
// the sink's problem; classifiers never block on audit.
type AuditFunc func(AuditRecord)

// Hash returns the hex SHA-256 of a prompt or response for audit records.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// promptTemplate frames the classification task. The previous and next
// segments give the model local conversational context; the rosters let it
// tell character speech from table talk about the game.
const promptTemplate = `You are classifying transcript segments from a tabletop RPG session.

Player characters: %s
Players: %s

Previous segment: %s
Current segment: %s
Next segment: %s

Classify the CURRENT segment. Respond with exactly these fields:
Classification: IC, OOC, or MIXED
Reasoning: <one sentence>
Confidence: <0.0 to 1.0>
Character: <character name if IC speech, otherwise N/A>`

// BuildPrompt renders the classification prompt for segments[index].
func BuildPrompt(segments []types.LabeledSegment, index int, roster Roster) string {
	prev, next := "(start of session)", "(end of session)"
	if index > 0 {
		prev = segments[index-1].Text
	}
	if index < len(segments)-1 {
		next = segments[index+1].Text
	}
	return fmt.Sprintf(promptTemplate,
		rosterList(roster.CharacterNames),
		rosterList(roster.PlayerNames),
		prev,
		segments[index].Text,
		next,
	)
}

func rosterList(names []string) string {
	if len(names) == 0 {
		return "(none listed)"
	}
	return strings.Join(names, ", ")
}

// defaulted returns the degraded IC classification for a segment whose
// classification failed beyond recovery.
func defaulted(index int) types.Classification {
	return types.Classification{
		SegmentIndex: index,
		Label:        types.LabelIC,
		Confidence:   DefaultConfidence,
		Reasoning:    FailureReasoning,
	}
}

// Defaults returns one defaulted IC classification per segment. Used by the
// pipeline when the whole classification stage is skipped or degraded.
func Defaults(n int) []types.Classification {
	out := make([]types.Classification, n)
	for i := range out {
		out[i] = defaulted(i)
	}
	return out
}
