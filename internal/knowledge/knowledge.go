// Package knowledge extracts campaign lore from in-character transcript text
// and maintains a per-campaign knowledge base across sessions. Extraction is
// best effort; a failed extraction never fails the session.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tablescribe/tablescribe/pkg/provider/llm"
)

// Knowledge is the extracted campaign state for one session or the merged
// state of a whole campaign.
type Knowledge struct {
	Quests    []string `json:"quests"`
	NPCs      []string `json:"npcs"`
	PlotHooks []string `json:"plot_hooks"`
	Locations []string `json:"locations"`
	Items     []string `json:"items"`
}

// IsEmpty reports whether nothing was extracted.
func (k Knowledge) IsEmpty() bool {
	return len(k.Quests) == 0 && len(k.NPCs) == 0 && len(k.PlotHooks) == 0 &&
		len(k.Locations) == 0 && len(k.Items) == 0
}

// Merge unions incoming entries into k, preserving k's order and dropping
// case-insensitive duplicates.
func Merge(base, incoming Knowledge) Knowledge {
	return Knowledge{
		Quests:    mergeList(base.Quests, incoming.Quests),
		NPCs:      mergeList(base.NPCs, incoming.NPCs),
		PlotHooks: mergeList(base.PlotHooks, incoming.PlotHooks),
		Locations: mergeList(base.Locations, incoming.Locations),
		Items:     mergeList(base.Items, incoming.Items),
	}
}

func mergeList(base, incoming []string) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(incoming))
	for _, v := range base {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	for _, v := range incoming {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

const extractSystemPrompt = `You extract campaign knowledge from tabletop RPG session transcripts.
Respond with a single JSON object and nothing else, using exactly these keys:
{"quests": [], "npcs": [], "plot_hooks": [], "locations": [], "items": []}
Each entry is a short phrase. Omit speculation; only include what the transcript states.`

// Extractor runs knowledge extraction against an LLM provider.
type Extractor struct {
	provider llm.Provider
}

// NewExtractor creates an Extractor over provider.
func NewExtractor(provider llm.Provider) (*Extractor, error) {
	if provider == nil {
		return nil, fmt.Errorf("knowledge: provider must not be nil")
	}
	return &Extractor{provider: provider}, nil
}

// Extract pulls campaign knowledge from the in-character transcript text.
func (e *Extractor) Extract(ctx context.Context, icTranscript string) (Knowledge, error) {
	if strings.TrimSpace(icTranscript) == "" {
		return Knowledge{}, nil
	}

	maxTokens := 1024
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractSystemPrompt,
		Prompt:       "Transcript:\n\n" + icTranscript,
		Options:      llm.Options{MaxTokens: maxTokens},
	})
	if err != nil {
		return Knowledge{}, fmt.Errorf("knowledge: extraction completion: %w", err)
	}
	return ParseExtraction(resp.Content)
}

// ParseExtraction decodes the model's JSON answer, tolerating markdown fences
// and prose around the object.
func ParseExtraction(response string) (Knowledge, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start < 0 || end <= start {
		return Knowledge{}, fmt.Errorf("knowledge: no JSON object in response")
	}
	var k Knowledge
	if err := json.Unmarshal([]byte(response[start:end+1]), &k); err != nil {
		return Knowledge{}, fmt.Errorf("knowledge: parse extraction: %w", err)
	}
	return k, nil
}
