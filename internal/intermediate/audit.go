package intermediate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tablescribe/tablescribe/internal/classify"
)

// previewLen bounds how much raw prompt/response text an unredacted audit
// line carries.
const previewLen = 200

// AuditLine is one NDJSON record in stage_6_prompts.ndjson. Hashes are always
// present so exchanges can be correlated and deduplicated; raw previews are
// omitted in redacted mode since session audio is private table talk.
type AuditLine struct {
	Timestamp       string         `json:"timestamp"`
	SegmentIndex    int            `json:"segment_index"`
	Attempt         string         `json:"attempt"`
	Model           string         `json:"model"`
	Options         map[string]any `json:"options,omitempty"`
	PromptSHA256    string         `json:"prompt_sha256"`
	ResponseSHA256  string         `json:"response_sha256"`
	PromptPreview   string         `json:"prompt_preview,omitempty"`
	ResponsePreview string         `json:"response_preview,omitempty"`
}

// AuditSink appends classification audit records to stage_6_prompts.ndjson,
// one JSON object per line. Safe for concurrent use.
type AuditSink struct {
	mu     sync.Mutex
	f      *os.File
	redact bool
}

// NewAuditSink opens (appending) the audit log under sessionDir's
// intermediates subdirectory. With redact set, raw text previews are withheld
// and only hashes are written.
func NewAuditSink(sessionDir string, redact bool) (*AuditSink, error) {
	dir := filepath.Join(sessionDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("intermediate: create dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FilePrompts), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("intermediate: open audit log: %w", err)
	}
	return &AuditSink{f: f, redact: redact}, nil
}

// Record implements [classify.AuditFunc]. Write failures are swallowed after
// marking; auditing never fails classification.
func (s *AuditSink) Record(rec classify.AuditRecord) {
	line := AuditLine{
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		SegmentIndex:   rec.SegmentIndex,
		Attempt:        rec.Attempt,
		Model:          rec.Model,
		Options:        rec.Options,
		PromptSHA256:   classify.Hash(rec.Prompt),
		ResponseSHA256: classify.Hash(rec.Response),
	}
	if !s.redact {
		line.PromptPreview = preview(rec.Prompt)
		line.ResponsePreview = preview(rec.Response)
	}

	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	s.f.Write(data)
}

// Close flushes and closes the log.
func (s *AuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

func preview(s string) string {
	if len(s) <= previewLen {
		return s
	}
	return s[:previewLen]
}

var _ classify.AuditFunc = (&AuditSink{}).Record
