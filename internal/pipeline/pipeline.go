// Package pipeline orchestrates a session transcription run through its nine
// stages: transcode, chunk, transcribe, merge, diarize, classify, format,
// snippet export and knowledge extraction.
//
// Stages fall into three tiers. Critical stages (1-4 and 7) abort the run on
// failure. Degradable stages (5, 6) substitute a fallback result and carry on
// with a warning: diarization degrades to unattributed speakers,
// classification to everything defaulted IC. Optional stages (8, 9) record
// their failure and let the session finish.
//
// Every completed stage checkpoints its output, so an interrupted run resumes
// where it stopped instead of re-transcribing hours of audio. Checkpoints are
// cleared after a fully successful run; the intermediate JSON files under the
// session directory remain for inspection and for --from-stage resumes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tablescribe/tablescribe/internal/checkpoint"
	"github.com/tablescribe/tablescribe/internal/classify"
	"github.com/tablescribe/tablescribe/internal/format"
	"github.com/tablescribe/tablescribe/internal/intermediate"
	"github.com/tablescribe/tablescribe/internal/knowledge"
	"github.com/tablescribe/tablescribe/internal/observe"
	"github.com/tablescribe/tablescribe/internal/status"
	"github.com/tablescribe/tablescribe/pkg/audio"
	"github.com/tablescribe/tablescribe/pkg/provider/diarize"
	"github.com/tablescribe/tablescribe/pkg/provider/transcribe"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// Transcoder is the ffmpeg surface the pipeline needs: canonical conversion
// for stage 1 and segment cutting for snippet export.
// *transcode.Transcoder satisfies it.
type Transcoder interface {
	ToCanonicalWAV(ctx context.Context, inputPath, outputPath string) error
	ExtractSegment(ctx context.Context, inputPath, outputPath string, start, end float64) error
}

// Chunker splits the canonical audio into transcription chunks.
// *chunker.Chunker satisfies it.
type Chunker interface {
	Chunk(ctx context.Context, samples []float32, sampleRate int) ([]types.AudioChunk, error)
}

// KnowledgeExtractor pulls campaign knowledge out of the in-character
// transcript. *knowledge.Extractor satisfies it.
type KnowledgeExtractor interface {
	Extract(ctx context.Context, icTranscript string) (knowledge.Knowledge, error)
}

// Components are the stage implementations the pipeline drives. Transcoder,
// Chunker and Transcriber are required for a full run; the rest are optional
// and their stages skip or degrade when absent.
type Components struct {
	Transcoder  Transcoder
	Chunker     Chunker
	Transcriber transcribe.Transcriber

	// Diarizer runs stage 5. Nil attributes the whole session to one
	// fallback speaker.
	Diarizer diarize.Diarizer

	// NewClassifier builds the stage 6 classifier once the session directory
	// exists, so audit records land in the directory's prompt log. Nil skips
	// classification.
	NewClassifier func(audit classify.AuditFunc) (classify.Classifier, error)

	// ClassifierPreflight, when set, is checked before the run starts
	// (e.g. the offloaded backend's exchange directories).
	ClassifierPreflight func(ctx context.Context) error

	// Extractor and Store run stage 9.
	Extractor KnowledgeExtractor
	Store     knowledge.Store

	// Tracker records session progress. Defaults to an in-memory tracker.
	Tracker status.Tracker

	// Metrics is optional; nil disables instrumentation.
	Metrics *observe.Metrics
}

// Options configure one run.
type Options struct {
	// SessionID identifies the session. Empty derives it from InputPath.
	SessionID string

	// InputPath is the source recording. Required unless FromStage is set.
	InputPath string

	// OutputRoot is where a fresh session directory is created.
	OutputRoot string

	// ResumeDir is an existing session directory to resume into. Empty
	// creates a new one under OutputRoot.
	ResumeDir string

	// FromStage seeds the run from that stage's intermediate file in
	// ResumeDir and continues with the next stage. Zero runs from the start.
	FromStage Stage

	// Language is the expected BCP-47 primary subtag; empty auto-detects.
	Language string

	// NumSpeakers hints the diarizer's clustering. Zero lets it decide.
	NumSpeakers int

	// TranscribeWorkers bounds concurrent chunk transcriptions. Zero and
	// one both run sequentially.
	TranscribeWorkers int

	// TranscribeRetries is the total number of attempts per chunk. Zero and
	// one both mean a single attempt.
	TranscribeRetries int

	// ExportWorkers bounds concurrent snippet extractions. Zero and one
	// both run sequentially.
	ExportWorkers int

	// Roster is the party context for classification prompts.
	Roster classify.Roster

	// SpeakerNames maps diarized speaker IDs to player names for the
	// rendered transcripts. Unmapped IDs stay as-is.
	SpeakerNames map[string]string

	// CampaignID groups sessions in the knowledge store.
	CampaignID string

	// ClassifierName tags classification metrics ("local", "remote", ...).
	ClassifierName string

	SkipDiarization    bool
	SkipClassification bool
	ExportSnippets     bool
	ExtractKnowledge   bool

	// RedactAudit withholds raw prompt/response text from the audit log.
	RedactAudit bool
}

// Report summarises a finished (or aborted) run.
type Report struct {
	SessionID string        `json:"session_id"`
	Dir       string        `json:"dir"`
	Stages    []StageResult `json:"stages"`
	Segments  int           `json:"segments"`

	// Knowledge is the session's extraction, when stage 9 ran.
	Knowledge *knowledge.Knowledge `json:"knowledge,omitempty"`
}

// CheckpointsDirName is the directory under the output root holding each
// session's resume state, keyed by session ID.
const CheckpointsDirName = "_checkpoints"

// Pipeline runs one session end to end.
type Pipeline struct {
	opts Options
	comp Components
}

// New validates options and components.
func New(opts Options, comp Components) (*Pipeline, error) {
	var errs []error
	if opts.FromStage == 0 {
		if opts.InputPath == "" {
			errs = append(errs, errors.New("input path is required"))
		}
		if comp.Transcoder == nil {
			errs = append(errs, errors.New("transcoder is required"))
		}
		if comp.Chunker == nil {
			errs = append(errs, errors.New("chunker is required"))
		}
		if comp.Transcriber == nil {
			errs = append(errs, errors.New("transcriber is required"))
		}
	} else if opts.ResumeDir == "" {
		errs = append(errs, errors.New("resume dir is required with from-stage"))
	}
	if opts.OutputRoot == "" && opts.ResumeDir == "" {
		errs = append(errs, errors.New("output root is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	if opts.SessionID == "" {
		if opts.InputPath != "" {
			opts.SessionID = DeriveSessionID(opts.InputPath)
		} else {
			opts.SessionID = sessionIDFromDir(opts.ResumeDir)
		}
	}
	opts.SessionID = SanitizeSessionID(opts.SessionID)
	if comp.Tracker == nil {
		comp.Tracker = status.NewMemory()
	}
	return &Pipeline{opts: opts, comp: comp}, nil
}

// state carries data between stages within one run.
type state struct {
	dir    string
	cp     *checkpoint.Manager
	writer *intermediate.Writer

	canonical  string
	samples    []float32
	sampleRate int
	duration   float64

	chunks          []types.AudioChunk
	transcriptions  []types.ChunkTranscription
	language        string
	merged          []types.TranscriptionSegment
	speakers        []types.SpeakerSegment
	labeled         []types.LabeledSegment
	classifications []types.Classification
	entries         []format.Entry
	extracted       *knowledge.Knowledge

	completed []string
	results   []StageResult
}

// sessionDuration is the best available estimate of the recording length.
func (st *state) sessionDuration() float64 {
	if st.duration > 0 {
		return st.duration
	}
	var max float64
	for _, seg := range st.merged {
		if seg.End > max {
			max = seg.End
		}
	}
	return max
}

// loadAudio reads the canonical WAV into memory.
func (st *state) loadAudio() error {
	samples, rate, err := audio.ReadWAVFile(st.canonical)
	if err != nil {
		return err
	}
	st.samples = samples
	st.sampleRate = rate
	st.duration = audio.Duration(samples, rate)
	return nil
}

// save checkpoints a completed stage.
func (st *state) save(stage Stage, data any, meta map[string]string) error {
	completed := append(append([]string(nil), st.completed...), stage.String())
	return st.cp.Save(stage.String(), data, completed, meta)
}

// Run executes the session. The returned report covers the stages that ran
// even when the run failed.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	st := &state{}

	if p.opts.ResumeDir != "" {
		st.dir = p.opts.ResumeDir
	} else {
		st.dir = filepath.Join(p.opts.OutputRoot, sessionDirName(p.opts.SessionID))
	}
	if err := os.MkdirAll(st.dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create session dir: %w", err)
	}

	// Resume state lives under the output root, not inside the session dir.
	root := p.opts.OutputRoot
	if root == "" {
		root = filepath.Dir(st.dir)
	}
	cp, err := checkpoint.NewManager(filepath.Join(root, CheckpointsDirName, p.opts.SessionID), p.opts.SessionID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	st.cp = cp
	writer, err := intermediate.NewWriter(st.dir, p.opts.SessionID, p.opts.InputPath)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	st.writer = writer

	if err := p.preflight(ctx); err != nil {
		return nil, err
	}

	if err := p.comp.Tracker.StartSession(ctx, p.opts.SessionID); err != nil {
		return nil, fmt.Errorf("pipeline: start session: %w", err)
	}
	slog.Info("session started", "session", p.opts.SessionID, "dir", st.dir)

	runErr := p.execute(ctx, st)
	report := &Report{
		SessionID: p.opts.SessionID,
		Dir:       st.dir,
		Stages:    st.results,
		Segments:  len(st.labeled),
		Knowledge: st.extracted,
	}
	if runErr != nil {
		if err := p.comp.Tracker.FailSession(ctx, p.opts.SessionID, runErr); err != nil {
			slog.Warn("could not record session failure", "error", err)
		}
		return report, runErr
	}

	if err := st.cp.Clear(); err != nil {
		slog.Warn("could not clear checkpoints", "error", err)
	}
	if err := p.comp.Tracker.CompleteSession(ctx, p.opts.SessionID); err != nil {
		slog.Warn("could not record session completion", "error", err)
	}
	slog.Info("session completed", "session", p.opts.SessionID, "segments", report.Segments)
	return report, nil
}

// preflight aggregates every readiness failure into one error so
// misconfiguration surfaces before hours of processing.
func (p *Pipeline) preflight(ctx context.Context) error {
	var errs []error
	if p.opts.FromStage == 0 {
		if _, err := os.Stat(p.opts.InputPath); err != nil {
			errs = append(errs, fmt.Errorf("input file: %w", err))
		}
		if err := p.comp.Transcriber.Preflight(ctx); err != nil {
			errs = append(errs, fmt.Errorf("transcriber: %w", err))
		}
	}
	if p.comp.ClassifierPreflight != nil && !p.opts.SkipClassification {
		if err := p.comp.ClassifierPreflight(ctx); err != nil {
			errs = append(errs, fmt.Errorf("classifier: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: preflight: %w", err)
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, st *state) error {
	if p.opts.FromStage != 0 {
		if err := p.seedFromIntermediates(st); err != nil {
			return err
		}
	} else {
		full := []struct {
			stage Stage
			fn    stageFunc
		}{
			{StageAudioConverted, p.stageConvert},
			{StageChunked, p.stageChunk},
			{StageTranscribed, p.stageTranscribe},
			{StageMerged, p.stageMerge},
		}
		for _, s := range full {
			if err := p.runStage(ctx, st, s.stage, s.fn); err != nil {
				return err
			}
		}
	}

	if p.opts.FromStage < StageDiarized {
		if err := p.runStage(ctx, st, StageDiarized, p.stageDiarize); err != nil {
			return err
		}
	}
	if p.opts.FromStage < StageClassified {
		if err := p.runStage(ctx, st, StageClassified, p.stageClassify); err != nil {
			return err
		}
	}
	for _, s := range []struct {
		stage Stage
		fn    stageFunc
	}{
		{StageFormatted, p.stageFormat},
		{StageSnippetsExported, p.stageExport},
		{StageKnowledgeExtracted, p.stageKnowledge},
	} {
		if err := p.runStage(ctx, st, s.stage, s.fn); err != nil {
			return err
		}
	}
	return nil
}

// stageOutcome is a stage function's verdict: its status (StatusCompleted
// when zero) and any warnings for the report.
type stageOutcome struct {
	status   Status
	warnings []string
}

type stageFunc func(ctx context.Context, st *state) (stageOutcome, error)

// runStage wraps one stage with cancellation checks, status updates, result
// recording and metrics. Optional stages swallow their errors.
func (p *Pipeline) runStage(ctx context.Context, st *state, stage Stage, fn stageFunc) error {
	res := StageResult{
		Stage:   stage,
		Name:    stage.String(),
		Status:  StatusRunning,
		Started: time.Now().UTC(),
	}
	if err := ctx.Err(); err != nil {
		res.Status = StatusFailed
		res.Errors = []string{err.Error()}
		res.Finished = res.Started
		st.results = append(st.results, res)
		return fmt.Errorf("pipeline: stage %s: %w", stage, err)
	}

	if err := p.comp.Tracker.UpdateStage(ctx, p.opts.SessionID, stage.String(), 0); err != nil {
		slog.Warn("status update failed", "stage", stage.String(), "error", err)
	}
	slog.Info("stage started", "stage", stage.String())

	out, err := fn(ctx, st)
	res.Finished = time.Now().UTC()
	res.Warnings = out.warnings

	if err != nil {
		res.Status = StatusFailed
		res.Errors = []string{err.Error()}
		st.results = append(st.results, res)
		p.recordStage(ctx, res)
		if stage.Optional() && ctx.Err() == nil {
			slog.Warn("optional stage failed, continuing", "stage", stage.String(), "error", err)
			return nil
		}
		return fmt.Errorf("pipeline: stage %s: %w", stage, err)
	}

	res.Status = out.status
	if res.Status == "" {
		res.Status = StatusCompleted
	}
	st.completed = append(st.completed, stage.String())
	st.results = append(st.results, res)
	p.recordStage(ctx, res)
	for _, w := range out.warnings {
		slog.Warn("stage degraded", "stage", stage.String(), "warning", w)
	}
	slog.Info("stage finished", "stage", stage.String(), "status", res.Status,
		"duration", res.Duration().Round(time.Millisecond))
	return nil
}

func (p *Pipeline) recordStage(ctx context.Context, res StageResult) {
	if p.comp.Metrics == nil {
		return
	}
	p.comp.Metrics.RecordStage(ctx, res.Name, strings.ToLower(string(res.Status)), res.Duration())
}

// seedFromIntermediates loads the stage files a --from-stage resume starts
// from and records the loaded stages as skipped.
func (p *Pipeline) seedFromIntermediates(st *state) error {
	seeded := func(stage Stage) {
		st.completed = append(st.completed, stage.String())
		st.results = append(st.results, StageResult{
			Stage:    stage,
			Name:     stage.String(),
			Status:   StatusSkipped,
			Warnings: []string{"loaded from intermediate file"},
			Started:  time.Now().UTC(),
			Finished: time.Now().UTC(),
		})
	}
	for s := StageAudioConverted; s < StageMerged; s++ {
		st.results = append(st.results, StageResult{
			Stage:    s,
			Name:     s.String(),
			Status:   StatusSkipped,
			Started:  time.Now().UTC(),
			Finished: time.Now().UTC(),
		})
	}

	mergedDoc, err := intermediate.LoadMerged(st.dir)
	if err != nil {
		return fmt.Errorf("pipeline: resume from stage %d: %w", int(p.opts.FromStage), err)
	}
	st.merged = mergedDoc.Segments
	st.language = mergedDoc.Language
	seeded(StageMerged)

	if p.opts.FromStage >= StageDiarized {
		doc, err := intermediate.LoadDiarization(st.dir)
		if err != nil {
			return fmt.Errorf("pipeline: resume from stage %d: %w", int(p.opts.FromStage), err)
		}
		st.speakers = doc.Speakers
		st.labeled = doc.Segments
		seeded(StageDiarized)
	}
	if p.opts.FromStage >= StageClassified {
		doc, err := intermediate.LoadClassification(st.dir)
		if err != nil {
			return fmt.Errorf("pipeline: resume from stage %d: %w", int(p.opts.FromStage), err)
		}
		st.classifications = doc.Classifications
		seeded(StageClassified)
	}

	// The canonical audio is optional on resume; snippet export needs it.
	canonical := filepath.Join(st.dir, "audio", canonicalName)
	if fileExists(canonical) {
		st.canonical = canonical
	}
	return nil
}

// sessionIDFromDir recovers the session ID from a <timestamp>_<id> directory
// name.
func sessionIDFromDir(dir string) string {
	base := filepath.Base(dir)
	parts := strings.SplitN(base, "_", 3)
	if len(parts) == 3 && len(parts[0]) == 8 && len(parts[1]) == 6 {
		return parts[2]
	}
	return base
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
