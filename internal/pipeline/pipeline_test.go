package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tablescribe/tablescribe/internal/classify"
	"github.com/tablescribe/tablescribe/internal/export"
	"github.com/tablescribe/tablescribe/internal/intermediate"
	"github.com/tablescribe/tablescribe/internal/knowledge"
	"github.com/tablescribe/tablescribe/internal/status"
	"github.com/tablescribe/tablescribe/pkg/audio"
	"github.com/tablescribe/tablescribe/pkg/provider/diarize"
	"github.com/tablescribe/tablescribe/pkg/types"
)

type fakeTranscoder struct {
	samples      []float32
	rate         int
	convertCalls int
	convertErr   error
	extracted    []string
}

func (f *fakeTranscoder) ToCanonicalWAV(_ context.Context, _, outputPath string) error {
	f.convertCalls++
	if f.convertErr != nil {
		return f.convertErr
	}
	return audio.WriteWAVFile(outputPath, f.samples, f.rate)
}

func (f *fakeTranscoder) ExtractSegment(_ context.Context, _, outputPath string, _, _ float64) error {
	f.extracted = append(f.extracted, filepath.Base(outputPath))
	return os.WriteFile(outputPath, []byte("RIFF"), 0o644)
}

type fakeChunker struct {
	calls int
}

func (f *fakeChunker) Chunk(_ context.Context, samples []float32, sampleRate int) ([]types.AudioChunk, error) {
	f.calls++
	return []types.AudioChunk{{
		Index:      0,
		Start:      0,
		End:        audio.Duration(samples, sampleRate),
		SampleRate: sampleRate,
		Samples:    samples,
	}}, nil
}

type fakeTranscriber struct {
	calls        int
	err          error
	preflightErr error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, chunk types.AudioChunk, _ string) (types.ChunkTranscription, error) {
	f.calls++
	if f.err != nil {
		return types.ChunkTranscription{}, f.err
	}
	return types.ChunkTranscription{
		ChunkIndex: chunk.Index,
		ChunkStart: chunk.Start,
		ChunkEnd:   chunk.End,
		Language:   "en",
		Segments: []types.TranscriptionSegment{
			{Text: "I draw my sword.", Start: 0, End: 1},
			{Text: "Pass the chips.", Start: 1, End: 2},
		},
	}, nil
}

func (f *fakeTranscriber) Preflight(context.Context) error { return f.preflightErr }

type fakeDiarizer struct {
	res diarize.Result
	err error
}

func (f *fakeDiarizer) Diarize(context.Context, []float32, int, int) (diarize.Result, error) {
	return f.res, f.err
}

type fakeClassifier struct {
	err error
}

func (f fakeClassifier) Classify(_ context.Context, segments []types.LabeledSegment, _ classify.Roster) ([]types.Classification, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.Classification, len(segments))
	for i := range segments {
		label := types.LabelIC
		if i%2 == 1 {
			label = types.LabelOOC
		}
		out[i] = types.Classification{SegmentIndex: i, Label: label, Confidence: 0.9, Reasoning: "test"}
	}
	return out, nil
}

type fakeExtractor struct {
	gotTranscript string
}

func (f *fakeExtractor) Extract(_ context.Context, icTranscript string) (knowledge.Knowledge, error) {
	f.gotTranscript = icTranscript
	return knowledge.Knowledge{Quests: []string{"Recover the amulet"}}, nil
}

// testRig bundles one configured pipeline with its fakes.
type testRig struct {
	transcoder  *fakeTranscoder
	chunker     *fakeChunker
	transcriber *fakeTranscriber
	diarizer    *fakeDiarizer
	tracker     *status.Memory
	opts        Options
	comp        Components
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	input := filepath.Join(t.TempDir(), "session.m4a")
	if err := os.WriteFile(input, []byte("not really audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Two seconds of quiet non-silence.
	samples := make([]float32, 2*types.CanonicalSampleRate)
	for i := range samples {
		samples[i] = 0.1
	}

	rig := &testRig{
		transcoder:  &fakeTranscoder{samples: samples, rate: types.CanonicalSampleRate},
		chunker:     &fakeChunker{},
		transcriber: &fakeTranscriber{},
		diarizer: &fakeDiarizer{res: diarize.Result{Segments: []types.SpeakerSegment{
			{SpeakerID: "SPEAKER_00", Start: 0, End: 1.2},
			{SpeakerID: "SPEAKER_01", Start: 1.2, End: 2},
		}}},
		tracker: status.NewMemory(),
	}
	rig.opts = Options{
		SessionID:  "campaign night 3!",
		InputPath:  input,
		OutputRoot: t.TempDir(),
	}
	rig.comp = Components{
		Transcoder:  rig.transcoder,
		Chunker:     rig.chunker,
		Transcriber: rig.transcriber,
		Diarizer:    rig.diarizer,
		NewClassifier: func(classify.AuditFunc) (classify.Classifier, error) {
			return fakeClassifier{}, nil
		},
		Tracker: rig.tracker,
	}
	return rig
}

func (r *testRig) run(t *testing.T) (*Report, error) {
	t.Helper()
	p, err := New(r.opts, r.comp)
	if err != nil {
		t.Fatal(err)
	}
	return p.Run(context.Background())
}

func stageStatus(t *testing.T, report *Report, stage Stage) StageResult {
	t.Helper()
	for _, res := range report.Stages {
		if res.Stage == stage {
			return res
		}
	}
	t.Fatalf("stage %s missing from report", stage)
	return StageResult{}
}

func TestRunHappyPath(t *testing.T) {
	rig := newTestRig(t)
	report, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}

	if len(report.Stages) != 9 {
		t.Fatalf("got %d stage results, want 9", len(report.Stages))
	}
	for s := StageAudioConverted; s <= StageFormatted; s++ {
		if got := stageStatus(t, report, s).Status; got != StatusCompleted {
			t.Errorf("stage %s = %s, want COMPLETED", s, got)
		}
	}
	for _, s := range []Stage{StageSnippetsExported, StageKnowledgeExtracted} {
		if got := stageStatus(t, report, s).Status; got != StatusSkipped {
			t.Errorf("stage %s = %s, want SKIPPED (disabled)", s, got)
		}
	}
	if report.Segments != 2 {
		t.Errorf("segments = %d, want 2", report.Segments)
	}

	for _, f := range []string{
		filepath.Join(intermediate.DirName, intermediate.FileMerged),
		filepath.Join(intermediate.DirName, intermediate.FileDiarization),
		filepath.Join(intermediate.DirName, intermediate.FileClassification),
		filepath.Join(intermediate.DirName, intermediate.FileScenes),
		FileTranscriptFull,
		FileTranscriptIC,
		FileTranscriptOOC,
		FileTranscriptSRTFull,
		FileTranscriptSRTIC,
		FileTranscriptSRTOOC,
		FileTranscriptJSON,
	} {
		if _, err := os.Stat(filepath.Join(report.Dir, f)); err != nil {
			t.Errorf("missing output %s: %v", f, err)
		}
	}

	full, err := os.ReadFile(filepath.Join(report.Dir, FileTranscriptFull))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(full), "SPEAKER_00 (IC): I draw my sword.") {
		t.Errorf("unexpected transcript:\n%s", full)
	}

	// Checkpoints clear after success.
	left, _ := filepath.Glob(filepath.Join(rig.opts.OutputRoot, CheckpointsDirName, report.SessionID, "checkpoint_*.json"))
	if len(left) != 0 {
		t.Errorf("checkpoints not cleared: %v", left)
	}

	sess, err := rig.tracker.Get(context.Background(), report.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != status.StateCompleted {
		t.Errorf("session state = %s, want completed", sess.State)
	}
	if !strings.Contains(report.Dir, "campaign_night_3_") {
		t.Errorf("dir %q does not embed the sanitized session id", report.Dir)
	}
}

func TestRunDiarizationFailureDegrades(t *testing.T) {
	rig := newTestRig(t)
	rig.diarizer.err = errors.New("onnx runtime fell over")

	report, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}
	res := stageStatus(t, report, StageDiarized)
	if res.Status != StatusCompleted || len(res.Warnings) == 0 {
		t.Fatalf("diarized = %+v, want COMPLETED with warning", res)
	}

	doc, err := intermediate.LoadDiarization(report.Dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, seg := range doc.Segments {
		if seg.SpeakerID != types.UnknownSpeaker {
			t.Errorf("speaker = %q, want %q", seg.SpeakerID, types.UnknownSpeaker)
		}
	}
}

func TestRunSkipDiarization(t *testing.T) {
	rig := newTestRig(t)
	rig.opts.SkipDiarization = true

	report, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if got := stageStatus(t, report, StageDiarized).Status; got != StatusSkipped {
		t.Fatalf("diarized = %s, want SKIPPED", got)
	}

	doc, err := intermediate.LoadDiarization(report.Dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, seg := range doc.Segments {
		if seg.SpeakerID != types.FallbackSpeaker {
			t.Errorf("speaker = %q, want fallback %q", seg.SpeakerID, types.FallbackSpeaker)
		}
	}
}

func TestRunClassificationFailureDegrades(t *testing.T) {
	rig := newTestRig(t)
	rig.comp.NewClassifier = func(classify.AuditFunc) (classify.Classifier, error) {
		return fakeClassifier{err: errors.New("model gone")}, nil
	}

	report, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}
	res := stageStatus(t, report, StageClassified)
	if res.Status != StatusCompleted || len(res.Warnings) == 0 {
		t.Fatalf("classified = %+v, want COMPLETED with warning", res)
	}

	doc, err := intermediate.LoadClassification(report.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Classifications) != 2 {
		t.Fatalf("classifications = %d, want 2", len(doc.Classifications))
	}
	for _, c := range doc.Classifications {
		if c.Label != types.LabelIC || c.Reasoning != classify.FailureReasoning {
			t.Errorf("classification = %+v, want defaulted IC", c)
		}
	}
}

func TestRunCriticalFailureAborts(t *testing.T) {
	rig := newTestRig(t)
	rig.transcriber.err = errors.New("model load failed")

	report, err := rig.run(t)
	if err == nil {
		t.Fatal("run succeeded despite transcription failure")
	}
	if got := stageStatus(t, report, StageTranscribed).Status; got != StatusFailed {
		t.Errorf("transcribed = %s, want FAILED", got)
	}
	for _, res := range report.Stages {
		if res.Stage > StageTranscribed {
			t.Errorf("stage %s ran after a critical failure", res.Name)
		}
	}

	sess, err := rig.tracker.Get(context.Background(), report.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != status.StateFailed || sess.Error == "" {
		t.Errorf("session = %+v, want failed with cause", sess)
	}

	// Checkpoints stay for the resume, outside the session directory.
	left, _ := filepath.Glob(filepath.Join(rig.opts.OutputRoot, CheckpointsDirName, report.SessionID, "checkpoint_*.json"))
	if len(left) == 0 {
		t.Error("no checkpoints left behind for resume")
	}
	inSession, _ := filepath.Glob(filepath.Join(report.Dir, "checkpoints", "*"))
	if len(inSession) != 0 {
		t.Errorf("checkpoints written inside the session dir: %v", inSession)
	}
}

func TestRunResumesFromCheckpoints(t *testing.T) {
	rig := newTestRig(t)
	rig.transcriber.err = errors.New("transient")

	report, err := rig.run(t)
	if err == nil {
		t.Fatal("first run should fail")
	}

	rig.transcriber.err = nil
	rig.opts.ResumeDir = report.Dir
	report2, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}

	if rig.transcoder.convertCalls != 1 {
		t.Errorf("convert ran %d times, want 1", rig.transcoder.convertCalls)
	}
	if rig.chunker.calls != 1 {
		t.Errorf("chunker ran %d times, want 1", rig.chunker.calls)
	}
	for _, s := range []Stage{StageAudioConverted, StageChunked} {
		res := stageStatus(t, report2, s)
		if res.Status != StatusSkipped {
			t.Errorf("stage %s = %s, want SKIPPED on resume", s, res.Status)
		}
	}
	if got := stageStatus(t, report2, StageTranscribed).Status; got != StatusCompleted {
		t.Errorf("transcribed = %s, want COMPLETED on resume", got)
	}
}

func TestRunFromStageIntermediates(t *testing.T) {
	dir := t.TempDir()
	writer, err := intermediate.NewWriter(dir, "older-session", "orig.m4a")
	if err != nil {
		t.Fatal(err)
	}
	merged := []types.TranscriptionSegment{
		{Text: "We enter the crypt.", Start: 0, End: 2},
		{Text: "Roll initiative.", Start: 2, End: 3},
	}
	if err := writer.SaveMerged(merged, "en"); err != nil {
		t.Fatal(err)
	}
	labeled := []types.LabeledSegment{
		{Text: "We enter the crypt.", Start: 0, End: 2, SpeakerID: "SPEAKER_00"},
		{Text: "Roll initiative.", Start: 2, End: 3, SpeakerID: "SPEAKER_01"},
	}
	speakers := []types.SpeakerSegment{
		{SpeakerID: "SPEAKER_00", Start: 0, End: 2},
		{SpeakerID: "SPEAKER_01", Start: 2, End: 3},
	}
	if err := writer.SaveDiarization(speakers, labeled); err != nil {
		t.Fatal(err)
	}

	p, err := New(Options{
		SessionID: "older-session",
		ResumeDir: dir,
		FromStage: StageDiarized,
	}, Components{
		NewClassifier: func(classify.AuditFunc) (classify.Classifier, error) {
			return fakeClassifier{}, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	for _, s := range []Stage{StageMerged, StageDiarized} {
		res := stageStatus(t, report, s)
		if res.Status != StatusSkipped || len(res.Warnings) == 0 {
			t.Errorf("stage %s = %+v, want SKIPPED via intermediate", s, res)
		}
	}
	if got := stageStatus(t, report, StageClassified).Status; got != StatusCompleted {
		t.Errorf("classified = %s, want COMPLETED", got)
	}
	if _, err := os.Stat(filepath.Join(dir, FileTranscriptFull)); err != nil {
		t.Errorf("transcript not rendered on resume: %v", err)
	}
}

func TestRunFromStageMissingIntermediate(t *testing.T) {
	p, err := New(Options{
		SessionID: "s",
		ResumeDir: t.TempDir(),
		FromStage: StageMerged,
	}, Components{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(context.Background()); err == nil {
		t.Fatal("resume without intermediate file should fail")
	}
}

func TestRunExportAndKnowledge(t *testing.T) {
	rig := newTestRig(t)
	storeDir := t.TempDir()
	store, err := knowledge.NewFileStore(storeDir)
	if err != nil {
		t.Fatal(err)
	}
	extractor := &fakeExtractor{}
	rig.opts.ExportSnippets = true
	rig.opts.ExtractKnowledge = true
	rig.opts.CampaignID = "ravenspire"
	rig.comp.Extractor = extractor
	rig.comp.Store = store

	report, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range []Stage{StageSnippetsExported, StageKnowledgeExtracted} {
		if got := stageStatus(t, report, s).Status; got != StatusCompleted {
			t.Errorf("stage %s = %s, want COMPLETED", s, got)
		}
	}

	manifest, err := export.ReadManifest(filepath.Join(report.Dir, SegmentsDirName, report.SessionID))
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Status != export.StatusComplete || manifest.TotalClips != 2 || len(manifest.Clips) != 2 {
		t.Errorf("manifest = %+v", manifest)
	}
	if c := manifest.Clips[1]; c.Classification != "OOC" || c.Text != "Pass the chips." || c.Status != export.ClipReady {
		t.Errorf("clip 1 = %+v", c)
	}
	if len(rig.transcoder.extracted) != 2 {
		t.Errorf("extracted %d snippets, want 2", len(rig.transcoder.extracted))
	}

	if report.Knowledge == nil || len(report.Knowledge.Quests) != 1 {
		t.Fatalf("report knowledge = %+v", report.Knowledge)
	}
	if !strings.Contains(extractor.gotTranscript, "I draw my sword.") {
		t.Errorf("extractor fed wrong transcript:\n%s", extractor.gotTranscript)
	}
	if strings.Contains(extractor.gotTranscript, "Pass the chips.") {
		t.Error("out-of-character talk leaked into the knowledge transcript")
	}

	stored, err := store.Load(context.Background(), "ravenspire")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Quests) != 1 || stored.Quests[0] != "Recover the amulet" {
		t.Errorf("stored knowledge = %+v", stored)
	}
	if _, err := os.Stat(filepath.Join(report.Dir, FileKnowledge)); err != nil {
		t.Errorf("session knowledge file missing: %v", err)
	}
}

func TestRunPreflightAggregates(t *testing.T) {
	rig := newTestRig(t)
	rig.opts.InputPath = filepath.Join(t.TempDir(), "missing.m4a")
	rig.transcriber.preflightErr = errors.New("model file not found")

	_, err := rig.run(t)
	if err == nil {
		t.Fatal("preflight should fail")
	}
	if !strings.Contains(err.Error(), "input file") || !strings.Contains(err.Error(), "model file not found") {
		t.Errorf("preflight error missing a cause:\n%v", err)
	}
	if _, err := rig.tracker.Get(context.Background(), rig.opts.SessionID); !errors.Is(err, status.ErrUnknownSession) {
		t.Error("session started despite preflight failure")
	}
}

func TestRunCancelledContext(t *testing.T) {
	rig := newTestRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, err := New(rig.opts, rig.comp)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{}, Components{})
	if err == nil {
		t.Fatal("empty options accepted")
	}
	for _, want := range []string{"input path", "transcoder", "chunker", "transcriber"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s:\n%v", want, err)
		}
	}

	if _, err := New(Options{FromStage: StageMerged}, Components{}); err == nil ||
		!strings.Contains(err.Error(), "resume dir") {
		t.Errorf("from-stage without resume dir: %v", err)
	}
}

func TestParseFromStage(t *testing.T) {
	for _, n := range []int{4, 5, 6} {
		s, err := ParseFromStage(n)
		if err != nil || int(s) != n {
			t.Errorf("ParseFromStage(%d) = %v, %v", n, s, err)
		}
	}
	for _, n := range []int{0, 1, 3, 7, 9, 10} {
		if _, err := ParseFromStage(n); err == nil {
			t.Errorf("ParseFromStage(%d) accepted", n)
		}
	}
}

func TestStageTiers(t *testing.T) {
	critical := map[Stage]bool{
		StageAudioConverted: true, StageChunked: true, StageTranscribed: true,
		StageMerged: true, StageFormatted: true,
	}
	for s := StageAudioConverted; s <= StageKnowledgeExtracted; s++ {
		if s.Critical() != critical[s] {
			t.Errorf("%s.Critical() = %v", s, s.Critical())
		}
		if got := s.Degradable(); got != (s == StageDiarized || s == StageClassified) {
			t.Errorf("%s.Degradable() = %v", s, got)
		}
		if got := s.Optional(); got != (s == StageSnippetsExported || s == StageKnowledgeExtracted) {
			t.Errorf("%s.Optional() = %v", s, got)
		}
	}
}

func TestSanitizeSessionID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"campaign night 3!", "campaign_night_3_"},
		{"clean-id_42", "clean-id_42"},
		{"///", "session"},
		{"", "session"},
	}
	for _, tt := range tests {
		if got := SanitizeSessionID(tt.in); got != tt.want {
			t.Errorf("SanitizeSessionID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSessionDirName(t *testing.T) {
	orig := now
	now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC) }
	defer func() { now = orig }()

	if got := sessionDirName("camp one"); got != "20260314_150926_camp_one" {
		t.Errorf("sessionDirName = %q", got)
	}
}

func TestSessionIDFromDir(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/out/20260314_150926_camp_one", "camp_one"},
		{"/out/justaname", "justaname"},
		{"/out/short_x_y", "short_x_y"},
	}
	for _, tt := range tests {
		if got := sessionIDFromDir(tt.in); got != tt.want {
			t.Errorf("sessionIDFromDir(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type recordingTracker struct {
	status.Memory
	updates []float64
}

func (r *recordingTracker) UpdateStage(_ context.Context, _, _ string, progress float64) error {
	r.updates = append(r.updates, progress)
	return nil
}

func TestProgressReporterDebounce(t *testing.T) {
	rec := &recordingTracker{}
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newProgressReporter(rec, "s", "transcribed")
	r.clock = func() time.Time { return clock }

	ctx := context.Background()
	r.Report(ctx, 0.01) // first always goes out
	r.Report(ctx, 0.02) // too small, too soon
	r.Report(ctx, 0.07) // 6% step
	clock = clock.Add(31 * time.Second)
	r.Report(ctx, 0.08) // interval elapsed
	r.Report(ctx, 0.09) // suppressed again
	r.Report(ctx, 1.0)  // completion always goes out

	want := []float64{0.01, 0.07, 0.08, 1.0}
	if len(rec.updates) != len(want) {
		t.Fatalf("updates = %v, want %v", rec.updates, want)
	}
	for i := range want {
		if rec.updates[i] != want[i] {
			t.Errorf("update[%d] = %v, want %v", i, rec.updates[i], want[i])
		}
	}
}

// flakyTranscriber fails its first fails calls, then succeeds.
type flakyTranscriber struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyTranscriber) Transcribe(_ context.Context, chunk types.AudioChunk, _ string) (types.ChunkTranscription, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if n <= f.fails {
		return types.ChunkTranscription{}, errors.New("upstream timeout")
	}
	return types.ChunkTranscription{
		ChunkIndex: chunk.Index,
		ChunkStart: chunk.Start,
		ChunkEnd:   chunk.End,
		Language:   "en",
		Segments: []types.TranscriptionSegment{
			{Text: "I draw my sword.", Start: chunk.Start, End: chunk.End},
		},
	}, nil
}

func (f *flakyTranscriber) Preflight(context.Context) error { return nil }

func TestRunRetriesTranscriptionFailures(t *testing.T) {
	rig := newTestRig(t)
	transcriber := &flakyTranscriber{fails: 1}
	rig.comp.Transcriber = transcriber
	rig.opts.TranscribeRetries = 3
	rig.opts.SkipDiarization = true
	rig.opts.SkipClassification = true

	report, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if got := stageStatus(t, report, StageTranscribed).Status; got != StatusCompleted {
		t.Errorf("transcribed = %s, want COMPLETED after retry", got)
	}
	if transcriber.calls != 2 {
		t.Errorf("transcriber called %d times, want 2 (failure plus retry)", transcriber.calls)
	}
}

func TestRunMapsSpeakerNames(t *testing.T) {
	rig := newTestRig(t)
	rig.opts.SpeakerNames = map[string]string{"SPEAKER_00": "Alice"}

	report, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}

	full, err := os.ReadFile(filepath.Join(report.Dir, FileTranscriptFull))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(full), "Alice (IC): I draw my sword.") {
		t.Errorf("mapped name missing from transcript:\n%s", full)
	}

	srt, err := os.ReadFile(filepath.Join(report.Dir, FileTranscriptSRTIC))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(srt), "Alice: I draw my sword.") {
		t.Errorf("mapped name missing from IC subtitles:\n%s", srt)
	}
	if strings.Contains(string(srt), "Pass the chips.") {
		t.Errorf("pure OOC cue leaked into IC subtitles:\n%s", srt)
	}
}

// splitChunker cuts the audio into n equal non-overlapping chunks.
type splitChunker struct {
	n int
}

func (s splitChunker) Chunk(_ context.Context, samples []float32, sampleRate int) ([]types.AudioChunk, error) {
	total := audio.Duration(samples, sampleRate)
	per := total / float64(s.n)
	chunks := make([]types.AudioChunk, s.n)
	for i := range chunks {
		start, end := float64(i)*per, float64(i+1)*per
		chunks[i] = types.AudioChunk{
			Index:      i,
			Start:      start,
			End:        end,
			SampleRate: sampleRate,
			Samples:    audio.SampleRange(samples, sampleRate, start, end),
		}
	}
	return chunks, nil
}

// countingTranscriber tracks how many Transcribe calls run at once.
type countingTranscriber struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (c *countingTranscriber) Transcribe(_ context.Context, chunk types.AudioChunk, _ string) (types.ChunkTranscription, error) {
	c.mu.Lock()
	c.inFlight++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
	c.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return types.ChunkTranscription{
		ChunkIndex: chunk.Index,
		ChunkStart: chunk.Start,
		ChunkEnd:   chunk.End,
		Language:   "en",
		Segments: []types.TranscriptionSegment{
			{Text: fmt.Sprintf("line %d", chunk.Index), Start: chunk.Start, End: chunk.End},
		},
	}, nil
}

func (c *countingTranscriber) Preflight(context.Context) error { return nil }

func TestRunTranscribesChunksConcurrently(t *testing.T) {
	rig := newTestRig(t)
	transcriber := &countingTranscriber{}
	rig.comp.Chunker = splitChunker{n: 4}
	rig.comp.Transcriber = transcriber
	rig.opts.TranscribeWorkers = 3
	rig.opts.SkipDiarization = true
	rig.opts.SkipClassification = true

	report, err := rig.run(t)
	if err != nil {
		t.Fatal(err)
	}
	if transcriber.peak > 3 {
		t.Errorf("peak concurrent transcriptions = %d, want <= 3", transcriber.peak)
	}

	full, err := os.ReadFile(filepath.Join(report.Dir, FileTranscriptFull))
	if err != nil {
		t.Fatal(err)
	}
	text := string(full)
	for i := 0; i < 3; i++ {
		a := strings.Index(text, fmt.Sprintf("line %d", i))
		b := strings.Index(text, fmt.Sprintf("line %d", i+1))
		if a < 0 || b < 0 || a > b {
			t.Fatalf("chunk order not preserved in transcript:\n%s", text)
		}
	}
}
