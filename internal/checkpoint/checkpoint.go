// Package checkpoint persists per-stage pipeline state so an interrupted
// session resumes instead of restarting. Each stage writes one
// checkpoint_<stage>.json file; bulky payloads go to gzip sidecars under
// blobs/<stage>/ and are referenced from the checkpoint by relative path.
//
// A corrupt checkpoint is treated as absent: the stage reruns.
package checkpoint

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const blobsDir = "blobs"

// Checkpoint is the on-disk record for one completed stage.
type Checkpoint struct {
	SessionID       string            `json:"session_id"`
	Stage           string            `json:"stage"`
	Timestamp       string            `json:"timestamp"`
	Data            json.RawMessage   `json:"data"`
	CompletedStages []string          `json:"completed_stages"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Manager reads and writes checkpoints for one session directory.
type Manager struct {
	dir       string
	sessionID string
}

// NewManager creates the checkpoint directory if needed.
func NewManager(dir, sessionID string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &Manager{dir: dir, sessionID: sessionID}, nil
}

func (m *Manager) path(stage string) string {
	return filepath.Join(m.dir, "checkpoint_"+stage+".json")
}

// Save writes the checkpoint for a stage atomically.
func (m *Manager) Save(stage string, data any, completed []string, metadata map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal stage %s data: %w", stage, err)
	}
	cp := Checkpoint{
		SessionID:       m.sessionID,
		Stage:           stage,
		Timestamp:       time.Now().UTC().Format(time.RFC3339),
		Data:            raw,
		CompletedStages: completed,
		Metadata:        metadata,
	}
	out, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal stage %s: %w", stage, err)
	}
	p := m.path(stage)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("checkpoint: write stage %s: %w", stage, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("checkpoint: replace stage %s: %w", stage, err)
	}
	return nil
}

// Load reads a stage's checkpoint and unmarshals its data into out (skipped
// when out is nil). Returns nil without error when the checkpoint is missing
// or unreadable; corruption is logged and the stage reruns.
func (m *Manager) Load(stage string, out any) (*Checkpoint, error) {
	raw, err := os.ReadFile(m.path(stage))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read stage %s: %w", stage, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		slog.Warn("corrupt checkpoint, stage will rerun", "stage", stage, "error", err)
		return nil, nil
	}
	if cp.SessionID != m.sessionID {
		slog.Warn("checkpoint belongs to another session, stage will rerun",
			"stage", stage, "found", cp.SessionID, "want", m.sessionID)
		return nil, nil
	}
	if out != nil {
		if err := json.Unmarshal(cp.Data, out); err != nil {
			slog.Warn("corrupt checkpoint payload, stage will rerun", "stage", stage, "error", err)
			return nil, nil
		}
	}
	return &cp, nil
}

// Stages lists the stages with a checkpoint on disk, sorted by name.
func (m *Manager) Stages() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "checkpoint_*.json"))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	stages := make([]string, 0, len(matches))
	for _, p := range matches {
		name := filepath.Base(p)
		stages = append(stages, strings.TrimSuffix(strings.TrimPrefix(name, "checkpoint_"), ".json"))
	}
	sort.Strings(stages)
	return stages, nil
}

// Latest returns the most recently written checkpoint, or nil when none
// exist.
func (m *Manager) Latest() (*Checkpoint, error) {
	stages, err := m.Stages()
	if err != nil {
		return nil, err
	}
	var latest *Checkpoint
	for _, stage := range stages {
		cp, err := m.Load(stage, nil)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			continue
		}
		if latest == nil || cp.Timestamp > latest.Timestamp {
			latest = cp
		}
	}
	return latest, nil
}

// Clear removes every checkpoint and blob for the session. Called after a
// successful run.
func (m *Manager) Clear() error {
	matches, err := filepath.Glob(filepath.Join(m.dir, "checkpoint_*.json"))
	if err != nil {
		return fmt.Errorf("checkpoint: clear: %w", err)
	}
	var errs []error
	for _, p := range matches {
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(filepath.Join(m.dir, blobsDir)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ClearStage removes one stage's checkpoint and blobs so it reruns.
func (m *Manager) ClearStage(stage string) error {
	if err := os.Remove(m.path(stage)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checkpoint: clear stage %s: %w", stage, err)
	}
	if err := os.RemoveAll(filepath.Join(m.dir, blobsDir, stage)); err != nil {
		return fmt.Errorf("checkpoint: clear stage %s blobs: %w", stage, err)
	}
	return nil
}

// SaveBlob gzips data into blobs/<stage>/<name>.gz and returns the path
// relative to the checkpoint directory, for embedding in checkpoint data as
// a *_path reference.
func (m *Manager) SaveBlob(stage, name string, data []byte) (string, error) {
	rel := filepath.Join(blobsDir, stage, name+".gz")
	abs := filepath.Join(m.dir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("checkpoint: create blob dir: %w", err)
	}

	f, err := os.Create(abs + ".tmp")
	if err != nil {
		return "", fmt.Errorf("checkpoint: create blob %s: %w", rel, err)
	}
	zw := gzip.NewWriter(f)
	if _, err := zw.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("checkpoint: write blob %s: %w", rel, err)
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("checkpoint: finish blob %s: %w", rel, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("checkpoint: close blob %s: %w", rel, err)
	}
	if err := os.Rename(abs+".tmp", abs); err != nil {
		return "", fmt.Errorf("checkpoint: replace blob %s: %w", rel, err)
	}
	return rel, nil
}

// LoadBlob reads back a blob by the relative path SaveBlob returned.
func (m *Manager) LoadBlob(rel string) ([]byte, error) {
	f, err := os.Open(filepath.Join(m.dir, rel))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open blob %s: %w", rel, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read blob %s: %w", rel, err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decompress blob %s: %w", rel, err)
	}
	return data, nil
}

// HasBlob reports whether a referenced blob still exists on disk.
func (m *Manager) HasBlob(rel string) bool {
	_, err := os.Stat(filepath.Join(m.dir, rel))
	return err == nil
}
