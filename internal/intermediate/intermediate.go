// Package intermediate writes the inspectable stage outputs: merged
// transcript, diarization, classification, scene groupings and the prompt
// audit log. These files are both a debugging surface and the input for
// resuming a session from a mid-pipeline stage.
package intermediate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// Version identifies the intermediate file format.
const Version = "1"

// DirName is the subdirectory of a session directory that holds the stage
// files.
const DirName = "intermediates"

// Stage file names.
const (
	FileMerged         = "stage_4_merged_transcript.json"
	FileDiarization    = "stage_5_diarization.json"
	FileClassification = "stage_6_classification.json"
	FilePrompts        = "stage_6_prompts.ndjson"
	FileScenes         = "stage_6_scenes.json"
)

// Envelope is the metadata header shared by all intermediate files.
type Envelope struct {
	SessionID   string `json:"session_id"`
	Stage       string `json:"stage"`
	StageNumber int    `json:"stage_number"`
	Timestamp   string `json:"timestamp"`
	Version     string `json:"version"`
	InputFile   string `json:"input_file,omitempty"`
}

// MergedDocument is stage 4's output.
type MergedDocument struct {
	Envelope
	Segments []types.TranscriptionSegment `json:"segments"`
	Language string                       `json:"language,omitempty"`
}

// DiarizationDocument is stage 5's output.
type DiarizationDocument struct {
	Envelope
	Speakers []types.SpeakerSegment `json:"speakers"`
	Segments []types.LabeledSegment `json:"segments"`
}

// ClassificationDocument is stage 6's output.
type ClassificationDocument struct {
	Envelope
	Classifications []types.Classification `json:"classifications"`
}

// Writer persists intermediate files into a session's output directory.
type Writer struct {
	dir       string
	sessionID string
	inputFile string
}

// NewWriter creates the intermediates subdirectory under sessionDir if
// needed. inputFile names the original session audio for the envelopes.
func NewWriter(sessionDir, sessionID, inputFile string) (*Writer, error) {
	dir := filepath.Join(sessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("intermediate: create dir: %w", err)
	}
	return &Writer{dir: dir, sessionID: sessionID, inputFile: inputFile}, nil
}

// Dir returns the directory the writer targets.
func (w *Writer) Dir() string { return w.dir }

func (w *Writer) envelope(stage string, number int) Envelope {
	return Envelope{
		SessionID:   w.sessionID,
		Stage:       stage,
		StageNumber: number,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Version:     Version,
		InputFile:   w.inputFile,
	}
}

// SaveMerged writes stage 4's merged transcript.
func (w *Writer) SaveMerged(segments []types.TranscriptionSegment, language string) error {
	return w.save(FileMerged, MergedDocument{
		Envelope: w.envelope("merged", 4),
		Segments: segments,
		Language: language,
	})
}

// SaveDiarization writes stage 5's speaker map and speaker-attributed
// segments.
func (w *Writer) SaveDiarization(speakers []types.SpeakerSegment, segments []types.LabeledSegment) error {
	return w.save(FileDiarization, DiarizationDocument{
		Envelope: w.envelope("diarized", 5),
		Speakers: speakers,
		Segments: segments,
	})
}

// SaveClassification writes stage 6's classifications.
func (w *Writer) SaveClassification(classifications []types.Classification) error {
	return w.save(FileClassification, ClassificationDocument{
		Envelope:        w.envelope("classified", 6),
		Classifications: classifications,
	})
}

func (w *Writer) save(name string, doc any) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("intermediate: marshal %s: %w", name, err)
	}
	p := filepath.Join(w.dir, name)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("intermediate: write %s: %w", name, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("intermediate: replace %s: %w", name, err)
	}
	return nil
}

// LoadMerged reads stage 4's output back from a session directory.
func LoadMerged(sessionDir string) (*MergedDocument, error) {
	var doc MergedDocument
	if err := load(sessionDir, FileMerged, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadDiarization reads stage 5's output back from a session directory.
func LoadDiarization(sessionDir string) (*DiarizationDocument, error) {
	var doc DiarizationDocument
	if err := load(sessionDir, FileDiarization, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadClassification reads stage 6's output back from a session directory.
func LoadClassification(sessionDir string) (*ClassificationDocument, error) {
	var doc ClassificationDocument
	if err := load(sessionDir, FileClassification, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func load(sessionDir, name string, out any) error {
	data, err := os.ReadFile(filepath.Join(sessionDir, DirName, name))
	if err != nil {
		return fmt.Errorf("intermediate: read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("intermediate: parse %s: %w", name, err)
	}
	return nil
}
