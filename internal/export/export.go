// Package export writes per-segment speaker snippets and the manifest that
// tracks them. Snippets are cut incrementally while later pipeline stages are
// still running, so the manifest on disk always reflects what has actually
// been written.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// Manifest statuses.
const (
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
	StatusNoSnippets = "no_snippets"
)

// ClipReady marks a clip whose WAV was written successfully.
const ClipReady = "ready"

const manifestName = "manifest.json"

// Clipper cuts one [start, end) second range of the session audio into a
// standalone WAV file. *transcode.Transcoder satisfies it for the streaming
// path; [SampleClipper] is the in-memory fallback.
type Clipper interface {
	ExtractSegment(ctx context.Context, inputPath, outputPath string, start, end float64) error
}

// Clip is one exported segment in the manifest.
type Clip struct {
	ID             int     `json:"id"`
	File           string  `json:"file"`
	SpeakerID      string  `json:"speaker_id"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Status         string  `json:"status"`
	Text           string  `json:"text"`
	Classification string  `json:"classification,omitempty"`
}

// Manifest is the clip index persisted as manifest.json next to the clips.
type Manifest struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	UpdatedAt    string `json:"updated_at"`
	TotalClips   int    `json:"total_clips"`
	Clips        []Clip `json:"clips"`
	StaleRemoved int    `json:"removed_stale_clips,omitempty"`
}

// Exporter writes snippets into a directory. Safe for concurrent use; the
// manifest is rewritten under a mutex after every clip.
type Exporter struct {
	dir        string
	sourcePath string
	clipper    Clipper

	mu       sync.Mutex
	manifest Manifest
	skipped  bool
}

// New creates an Exporter cutting clips from sourcePath into dir.
func New(dir, sourcePath string, clipper Clipper) (*Exporter, error) {
	if clipper == nil {
		return nil, fmt.Errorf("export: clipper must not be nil")
	}
	return &Exporter{dir: dir, sourcePath: sourcePath, clipper: clipper}, nil
}

// Initialize prepares the clip directory for expected segments: stale clips
// from an interrupted earlier run are removed and an in_progress manifest is
// written. With zero expected segments the manifest records only the stale
// cleanup as no_snippets, and when there was nothing to clean up either, the
// directory is left untouched.
func (e *Exporter) Initialize(sessionID string, expected int) error {
	stale, err := filepath.Glob(filepath.Join(e.dir, "segment_*.wav"))
	if err != nil {
		return fmt.Errorf("export: scan stale clips: %w", err)
	}
	if expected == 0 && len(stale) == 0 {
		e.skipped = true
		return nil
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("export: create clip dir: %w", err)
	}

	for _, p := range stale {
		if err := os.Remove(p); err != nil {
			slog.Warn("could not remove stale clip", "path", p, "error", err)
		}
	}
	if len(stale) > 0 {
		slog.Info("removed stale clips from earlier run", "count", len(stale))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.manifest = Manifest{
		SessionID:    sessionID,
		Status:       StatusInProgress,
		Clips:        []Clip{},
		StaleRemoved: len(stale),
	}
	if expected == 0 {
		e.skipped = true
		e.manifest.Status = StatusNoSnippets
	}
	return e.writeManifestLocked()
}

// Export cuts the clip for one segment and records it in the manifest. A
// failed extraction is logged and skipped; snippet export never fails the
// session.
func (e *Exporter) Export(ctx context.Context, index int, seg types.LabeledSegment, classification string) error {
	name := fmt.Sprintf("segment_%04d_%s.wav", index, SanitizeFilename(seg.SpeakerID))
	outPath := filepath.Join(e.dir, name)

	if err := e.clipper.ExtractSegment(ctx, e.sourcePath, outPath, seg.Start, seg.End); err != nil {
		slog.Warn("clip extraction failed, skipping segment",
			"segment", index, "speaker", seg.SpeakerID, "error", err)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.manifest.Clips = append(e.manifest.Clips, Clip{
		ID:             index,
		File:           name,
		SpeakerID:      seg.SpeakerID,
		Start:          seg.Start,
		End:            seg.End,
		Status:         ClipReady,
		Text:           seg.Text,
		Classification: classification,
	})
	e.manifest.TotalClips = len(e.manifest.Clips)
	return e.writeManifestLocked()
}

// Finalize marks the manifest complete, or no_snippets when nothing was
// exported. Clips land in segment order regardless of extraction order. A
// run that Initialize decided to skip writes nothing here either.
func (e *Exporter) Finalize() error {
	if e.skipped {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	sort.Slice(e.manifest.Clips, func(i, j int) bool {
		return e.manifest.Clips[i].ID < e.manifest.Clips[j].ID
	})
	if len(e.manifest.Clips) == 0 {
		e.manifest.Status = StatusNoSnippets
	} else {
		e.manifest.Status = StatusComplete
	}
	return e.writeManifestLocked()
}

// writeManifestLocked persists the manifest atomically. Caller holds e.mu.
func (e *Exporter) writeManifestLocked() error {
	e.manifest.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	data, err := json.MarshalIndent(e.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("export: marshal manifest: %w", err)
	}
	tmp := filepath.Join(e.dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("export: write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(e.dir, manifestName)); err != nil {
		return fmt.Errorf("export: replace manifest: %w", err)
	}
	return nil
}

// ReadManifest loads the manifest from a snippet directory.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, fmt.Errorf("export: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("export: parse manifest: %w", err)
	}
	return &m, nil
}

// SanitizeFilename reduces a speaker ID to filename-safe characters. Every
// byte outside [A-Za-z0-9_-] becomes an underscore; an empty result reads
// "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, "_") == "" {
		return "unknown"
	}
	return out
}

var errNoSamples = errors.New("export: no samples loaded")

// SampleClipper is the fallback [Clipper] used when the canonical session
// audio is already in memory and ffmpeg is unavailable for cutting.
type SampleClipper struct {
	Samples    []float32
	SampleRate int

	// WriteWAV writes samples to path; wired to audio.WriteWAVFile.
	WriteWAV func(path string, samples []float32, sampleRate int) error
}

// ExtractSegment implements [Clipper] from the in-memory buffer. inputPath is
// ignored.
func (c *SampleClipper) ExtractSegment(_ context.Context, _ string, outputPath string, start, end float64) error {
	if len(c.Samples) == 0 {
		return errNoSamples
	}
	if end <= start {
		return fmt.Errorf("export: invalid segment range [%v, %v)", start, end)
	}
	lo := int(start * float64(c.SampleRate))
	hi := int(end * float64(c.SampleRate))
	if lo < 0 {
		lo = 0
	}
	if hi > len(c.Samples) {
		hi = len(c.Samples)
	}
	if lo >= hi {
		return fmt.Errorf("export: segment [%v, %v) outside loaded audio", start, end)
	}
	return c.WriteWAV(outputPath, c.Samples[lo:hi], c.SampleRate)
}
