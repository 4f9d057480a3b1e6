package pipeline

import (
	"fmt"
	"time"
)

// Stage identifies one of the nine pipeline stages, in execution order.
type Stage int

const (
	StageAudioConverted Stage = iota + 1
	StageChunked
	StageTranscribed
	StageMerged
	StageDiarized
	StageClassified
	StageFormatted
	StageSnippetsExported
	StageKnowledgeExtracted
)

// stageNames maps stages to their checkpoint and log names.
var stageNames = map[Stage]string{
	StageAudioConverted:     "audio_converted",
	StageChunked:            "chunked",
	StageTranscribed:        "transcribed",
	StageMerged:             "merged",
	StageDiarized:           "diarized",
	StageClassified:         "classified",
	StageFormatted:          "formatted",
	StageSnippetsExported:   "snippets_exported",
	StageKnowledgeExtracted: "knowledge_extracted",
}

// String returns the stage's snake_case name.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage_%d", int(s))
}

// Critical stages abort the session on failure.
func (s Stage) Critical() bool {
	switch s {
	case StageAudioConverted, StageChunked, StageTranscribed, StageMerged, StageFormatted:
		return true
	}
	return false
}

// Degradable stages substitute a fallback result on failure: diarization
// degrades to unattributed speakers, classification to defaulted IC.
func (s Stage) Degradable() bool {
	return s == StageDiarized || s == StageClassified
}

// Optional stages record their failure and let the session continue.
func (s Stage) Optional() bool {
	return s == StageSnippetsExported || s == StageKnowledgeExtracted
}

// ParseFromStage maps a --from-stage value onto a resumable stage. Only the
// stages with an intermediate file on disk can seed a resume.
func ParseFromStage(n int) (Stage, error) {
	switch Stage(n) {
	case StageMerged, StageDiarized, StageClassified:
		return Stage(n), nil
	}
	return 0, fmt.Errorf("pipeline: cannot resume from stage %d; valid stages: 4 (merged), 5 (diarized), 6 (classified)", n)
}

// Stage execution statuses.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// StageResult records one stage's outcome for the session report.
type StageResult struct {
	Stage    Stage     `json:"stage"`
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	Errors   []string  `json:"errors,omitempty"`
	Warnings []string  `json:"warnings,omitempty"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Duration returns the stage's wall-clock time.
func (r StageResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
