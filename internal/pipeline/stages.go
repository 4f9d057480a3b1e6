package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tablescribe/tablescribe/internal/align"
	"github.com/tablescribe/tablescribe/internal/classify"
	"github.com/tablescribe/tablescribe/internal/export"
	"github.com/tablescribe/tablescribe/internal/format"
	"github.com/tablescribe/tablescribe/internal/intermediate"
	"github.com/tablescribe/tablescribe/internal/knowledge"
	"github.com/tablescribe/tablescribe/internal/merge"
	"github.com/tablescribe/tablescribe/internal/resilience"
	"github.com/tablescribe/tablescribe/pkg/audio"
	"github.com/tablescribe/tablescribe/pkg/provider/diarize"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// canonicalName is the canonical 16 kHz mono WAV inside the session's audio/
// subdirectory.
const canonicalName = "session_16k.wav"

// Output file names written by stage 7.
const (
	FileTranscriptFull    = "transcript_full.txt"
	FileTranscriptIC      = "transcript_ic_only.txt"
	FileTranscriptOOC     = "transcript_ooc_only.txt"
	FileTranscriptSRTFull = "transcript_full.srt"
	FileTranscriptSRTIC   = "transcript_ic_only.srt"
	FileTranscriptSRTOOC  = "transcript_ooc_only.srt"
	FileTranscriptJSON    = "transcript_data.json"
	FileKnowledge         = "knowledge.json"
)

// SegmentsDirName holds per-session snippet directories inside the session
// directory; each session's clips land in SegmentsDirName/<session_id>.
const SegmentsDirName = "segments"

var checkpointResumed = []string{"resumed from checkpoint"}

type convertCheckpoint struct {
	CanonicalPath string `json:"canonical_path"`
}

// stageConvert transcodes the input into the canonical WAV and loads it.
func (p *Pipeline) stageConvert(ctx context.Context, st *state) (stageOutcome, error) {
	name := StageAudioConverted.String()

	var data convertCheckpoint
	if cp, err := st.cp.Load(name, &data); err == nil && cp != nil && fileExists(data.CanonicalPath) {
		st.canonical = data.CanonicalPath
		if err := st.loadAudio(); err == nil {
			return stageOutcome{status: StatusSkipped, warnings: checkpointResumed}, nil
		}
		slog.Warn("checkpointed canonical audio unreadable, reconverting", "path", data.CanonicalPath)
	}
	if err := st.cp.ClearStage(name); err != nil {
		return stageOutcome{}, err
	}

	audioDir := filepath.Join(st.dir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return stageOutcome{}, fmt.Errorf("create audio dir: %w", err)
	}
	canonical := filepath.Join(audioDir, canonicalName)
	if err := p.comp.Transcoder.ToCanonicalWAV(ctx, p.opts.InputPath, canonical); err != nil {
		return stageOutcome{}, err
	}
	st.canonical = canonical
	if err := st.loadAudio(); err != nil {
		return stageOutcome{}, fmt.Errorf("load canonical audio: %w", err)
	}

	err := st.save(StageAudioConverted, convertCheckpoint{CanonicalPath: canonical},
		map[string]string{"input": p.opts.InputPath})
	return stageOutcome{}, err
}

type chunkCheckpoint struct {
	Chunks []types.AudioChunk `json:"chunks"`
}

// stageChunk splits the canonical audio at VAD-detected silences. Chunk
// sample buffers are never persisted; they are refilled from the canonical
// WAV on resume.
func (p *Pipeline) stageChunk(ctx context.Context, st *state) (stageOutcome, error) {
	name := StageChunked.String()

	var data chunkCheckpoint
	if cp, err := st.cp.Load(name, &data); err == nil && cp != nil && len(data.Chunks) > 0 {
		st.chunks = data.Chunks
		st.attachSamples()
		return stageOutcome{status: StatusSkipped, warnings: checkpointResumed}, nil
	}
	if err := st.cp.ClearStage(name); err != nil {
		return stageOutcome{}, err
	}

	chunks, err := p.comp.Chunker.Chunk(ctx, st.samples, st.sampleRate)
	if err != nil {
		return stageOutcome{}, err
	}
	st.chunks = chunks

	err = st.save(StageChunked, chunkCheckpoint{Chunks: chunks},
		map[string]string{"count": fmt.Sprint(len(chunks))})
	return stageOutcome{}, err
}

// attachSamples refills chunk buffers dropped by a checkpoint round-trip.
func (st *state) attachSamples() {
	for i := range st.chunks {
		if st.chunks[i].Samples == nil {
			c := &st.chunks[i]
			c.Samples = audio.SampleRange(st.samples, st.sampleRate, c.Start, c.End)
		}
	}
}

type transcribeCheckpoint struct {
	BlobPath string `json:"transcriptions_path"`
	Language string `json:"language,omitempty"`
}

// stageTranscribe runs every chunk through the transcriber. The bulky result
// goes to a gzip blob referenced from the checkpoint.
func (p *Pipeline) stageTranscribe(ctx context.Context, st *state) (stageOutcome, error) {
	name := StageTranscribed.String()

	var data transcribeCheckpoint
	if cp, err := st.cp.Load(name, &data); err == nil && cp != nil && st.cp.HasBlob(data.BlobPath) {
		raw, err := st.cp.LoadBlob(data.BlobPath)
		if err == nil {
			var transcriptions []types.ChunkTranscription
			if json.Unmarshal(raw, &transcriptions) == nil && len(transcriptions) == len(st.chunks) {
				st.transcriptions = transcriptions
				st.language = data.Language
				return stageOutcome{status: StatusSkipped, warnings: checkpointResumed}, nil
			}
		}
		slog.Warn("checkpointed transcriptions unusable, re-transcribing")
	}
	if err := st.cp.ClearStage(name); err != nil {
		return stageOutcome{}, err
	}

	progress := newProgressReporter(p.comp.Tracker, p.opts.SessionID, name)
	results := make([]types.ChunkTranscription, len(st.chunks))
	retryCfg := resilience.RetryConfig{Retries: p.opts.TranscribeRetries, BaseDelay: time.Second}
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.opts.TranscribeWorkers))
	for i, chunk := range st.chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			started := time.Now()
			var tr types.ChunkTranscription
			err := resilience.Retry(gctx, retryCfg, nil, func() error {
				var terr error
				tr, terr = p.comp.Transcriber.Transcribe(gctx, chunk, p.opts.Language)
				return terr
			})
			if p.comp.Metrics != nil {
				chunkStatus := "ok"
				if err != nil {
					chunkStatus = "failed"
				}
				p.comp.Metrics.RecordChunk(gctx, chunkStatus, time.Since(started))
			}
			if err != nil {
				return fmt.Errorf("chunk %d: %w", chunk.Index, err)
			}
			results[i] = tr
			mu.Lock()
			done++
			progress.Report(gctx, float64(done)/float64(len(st.chunks)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stageOutcome{}, err
	}
	st.transcriptions = results
	for _, tr := range results {
		if tr.Language != "" {
			st.language = tr.Language
			break
		}
	}

	raw, err := json.Marshal(st.transcriptions)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("marshal transcriptions: %w", err)
	}
	rel, err := st.cp.SaveBlob(name, "transcriptions.json", raw)
	if err != nil {
		return stageOutcome{}, err
	}
	err = st.save(StageTranscribed, transcribeCheckpoint{BlobPath: rel, Language: st.language}, nil)
	return stageOutcome{}, err
}

// stageMerge folds overlapping chunk transcriptions into one clean timeline
// and writes the stage 4 intermediate.
func (p *Pipeline) stageMerge(ctx context.Context, st *state) (stageOutcome, error) {
	name := StageMerged.String()

	if cp, err := st.cp.Load(name, nil); err == nil && cp != nil {
		if doc, err := intermediate.LoadMerged(st.dir); err == nil {
			st.merged = doc.Segments
			if st.language == "" {
				st.language = doc.Language
			}
			return stageOutcome{status: StatusSkipped, warnings: checkpointResumed}, nil
		}
	}
	if err := st.cp.ClearStage(name); err != nil {
		return stageOutcome{}, err
	}

	merged, err := merge.Merge(st.transcriptions)
	if err != nil {
		return stageOutcome{}, err
	}
	st.merged = merged

	if err := st.writer.SaveMerged(merged, st.language); err != nil {
		return stageOutcome{}, err
	}
	err = st.save(StageMerged, nil, map[string]string{"file": intermediate.FileMerged})
	return stageOutcome{}, err
}

// stageDiarize attributes the merged segments to speakers. Degradable: a
// failed diarizer leaves every segment UNKNOWN; a disabled one attributes
// the whole session to the single fallback speaker.
func (p *Pipeline) stageDiarize(ctx context.Context, st *state) (stageOutcome, error) {
	name := StageDiarized.String()

	if cp, err := st.cp.Load(name, nil); err == nil && cp != nil {
		if doc, err := intermediate.LoadDiarization(st.dir); err == nil && len(doc.Segments) == len(st.merged) {
			st.speakers = doc.Speakers
			st.labeled = doc.Segments
			return stageOutcome{status: StatusSkipped, warnings: checkpointResumed}, nil
		}
	}
	if err := st.cp.ClearStage(name); err != nil {
		return stageOutcome{}, err
	}

	out := stageOutcome{}
	switch {
	case p.opts.SkipDiarization || p.comp.Diarizer == nil:
		st.speakers = diarize.Fallback(st.sessionDuration()).Segments
		out.status = StatusSkipped
		out.warnings = []string{"diarization disabled, whole session attributed to " + types.FallbackSpeaker}

	default:
		if st.samples == nil && st.canonical != "" {
			if err := st.loadAudio(); err != nil {
				slog.Warn("canonical audio unreadable for diarization", "error", err)
			}
		}
		if st.samples == nil {
			out.warnings = []string{"canonical audio unavailable, all speakers unknown"}
			break
		}
		res, err := p.comp.Diarizer.Diarize(ctx, st.samples, st.sampleRate, p.opts.NumSpeakers)
		if err != nil {
			if ctx.Err() != nil {
				return stageOutcome{}, err
			}
			out.warnings = []string{fmt.Sprintf("diarization failed, all speakers unknown: %v", err)}
			break
		}
		st.speakers = res.Segments
	}

	st.labeled = align.Assign(st.merged, st.speakers)
	if err := st.writer.SaveDiarization(st.speakers, st.labeled); err != nil {
		return stageOutcome{}, err
	}
	if err := st.save(StageDiarized, nil, map[string]string{"file": intermediate.FileDiarization}); err != nil {
		return stageOutcome{}, err
	}
	return out, nil
}

// stageClassify labels every segment IC, OOC or MIXED. Degradable: failures
// default everything to IC with low confidence.
func (p *Pipeline) stageClassify(ctx context.Context, st *state) (stageOutcome, error) {
	name := StageClassified.String()

	if cp, err := st.cp.Load(name, nil); err == nil && cp != nil {
		if doc, err := intermediate.LoadClassification(st.dir); err == nil && len(doc.Classifications) == len(st.labeled) {
			st.classifications = doc.Classifications
			return stageOutcome{status: StatusSkipped, warnings: checkpointResumed}, nil
		}
	}
	if err := st.cp.ClearStage(name); err != nil {
		return stageOutcome{}, err
	}

	out := stageOutcome{}
	switch {
	case p.opts.SkipClassification || p.comp.NewClassifier == nil:
		st.classifications = classify.Defaults(len(st.labeled))
		out.status = StatusSkipped
		out.warnings = []string{"classification disabled, all segments defaulted to IC"}

	default:
		var audit classify.AuditFunc
		sink, err := intermediate.NewAuditSink(st.dir, p.opts.RedactAudit)
		if err != nil {
			slog.Warn("audit log unavailable", "error", err)
		} else {
			audit = sink.Record
			defer sink.Close()
		}

		started := time.Now()
		classifications, err := p.classifyAll(ctx, st, audit)
		if err != nil {
			if ctx.Err() != nil {
				return stageOutcome{}, err
			}
			out.warnings = []string{fmt.Sprintf("classification failed, all segments defaulted to IC: %v", err)}
			classifications = classify.Defaults(len(st.labeled))
		}
		st.classifications = classifications
		p.recordClassifications(ctx, st, time.Since(started))
	}

	if err := st.writer.SaveClassification(st.classifications); err != nil {
		return stageOutcome{}, err
	}
	entries := format.Zip(st.labeled, st.classifications, p.opts.SpeakerNames)
	if err := st.writer.SaveScenes(intermediate.BuildScenes(entries)); err != nil {
		return stageOutcome{}, err
	}
	if err := st.save(StageClassified, nil, map[string]string{"file": intermediate.FileClassification}); err != nil {
		return stageOutcome{}, err
	}
	return out, nil
}

func (p *Pipeline) classifyAll(ctx context.Context, st *state, audit classify.AuditFunc) ([]types.Classification, error) {
	classifier, err := p.comp.NewClassifier(audit)
	if err != nil {
		return nil, fmt.Errorf("build classifier: %w", err)
	}
	return classifier.Classify(ctx, st.labeled, p.opts.Roster)
}

func (p *Pipeline) recordClassifications(ctx context.Context, st *state, elapsed time.Duration) {
	if p.comp.Metrics == nil || len(st.classifications) == 0 {
		return
	}
	per := elapsed / time.Duration(len(st.classifications))
	for _, c := range st.classifications {
		p.comp.Metrics.RecordClassification(ctx, p.opts.ClassifierName, string(c.Label), per)
	}
}

type formatCheckpoint struct {
	Files []string `json:"files"`
}

// stageFormat renders the final transcripts: full and filtered text, SRT
// subtitles and the structured JSON with session statistics.
func (p *Pipeline) stageFormat(ctx context.Context, st *state) (stageOutcome, error) {
	name := StageFormatted.String()
	st.entries = format.Zip(st.labeled, st.classifications, p.opts.SpeakerNames)

	var data formatCheckpoint
	if cp, err := st.cp.Load(name, &data); err == nil && cp != nil && allExist(st.dir, data.Files) {
		return stageOutcome{status: StatusSkipped, warnings: checkpointResumed}, nil
	}
	if err := st.cp.ClearStage(name); err != nil {
		return stageOutcome{}, err
	}

	structured, err := format.RenderStructured(p.opts.SessionID, st.entries)
	if err != nil {
		return stageOutcome{}, err
	}
	outputs := map[string][]byte{
		FileTranscriptFull:    []byte(format.RenderText(st.entries, format.FilterAll)),
		FileTranscriptIC:      []byte(format.RenderText(st.entries, format.FilterICOnly)),
		FileTranscriptOOC:     []byte(format.RenderText(st.entries, format.FilterOOCOnly)),
		FileTranscriptSRTFull: []byte(format.RenderSRT(st.entries, format.FilterAll)),
		FileTranscriptSRTIC:   []byte(format.RenderSRT(st.entries, format.FilterICOnly)),
		FileTranscriptSRTOOC:  []byte(format.RenderSRT(st.entries, format.FilterOOCOnly)),
		FileTranscriptJSON:    structured,
	}
	files := make([]string, 0, len(outputs))
	for fname, content := range outputs {
		if err := os.WriteFile(filepath.Join(st.dir, fname), content, 0o644); err != nil {
			return stageOutcome{}, fmt.Errorf("write %s: %w", fname, err)
		}
		files = append(files, fname)
	}

	err = st.save(StageFormatted, formatCheckpoint{Files: files}, nil)
	return stageOutcome{}, err
}

func allExist(dir string, files []string) bool {
	if len(files) == 0 {
		return false
	}
	for _, f := range files {
		if !fileExists(filepath.Join(dir, f)) {
			return false
		}
	}
	return true
}

// stageExport cuts one WAV snippet per segment for speaker identification
// datasets. Optional: failures never abort the session.
func (p *Pipeline) stageExport(ctx context.Context, st *state) (stageOutcome, error) {
	if !p.opts.ExportSnippets {
		return stageOutcome{status: StatusSkipped}, nil
	}

	clipper, err := p.clipper(st)
	if err != nil {
		return stageOutcome{}, err
	}
	snippetDir := filepath.Join(st.dir, SegmentsDirName, p.opts.SessionID)
	exporter, err := export.New(snippetDir, st.canonical, clipper)
	if err != nil {
		return stageOutcome{}, err
	}
	if err := exporter.Initialize(p.opts.SessionID, len(st.entries)); err != nil {
		return stageOutcome{}, err
	}

	progress := newProgressReporter(p.comp.Tracker, p.opts.SessionID, StageSnippetsExported.String())
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, p.opts.ExportWorkers))
	for i, e := range st.entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := exporter.Export(gctx, i, e.Segment, string(e.Classification.Label)); err != nil {
				return err
			}
			mu.Lock()
			done++
			progress.Report(gctx, float64(done)/float64(len(st.entries)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stageOutcome{}, err
	}
	if err := exporter.Finalize(); err != nil {
		return stageOutcome{}, err
	}

	err = st.save(StageSnippetsExported, nil, map[string]string{"dir": snippetDir})
	return stageOutcome{}, err
}

// clipper picks the snippet cutting strategy: ffmpeg against the canonical
// WAV when available, otherwise the in-memory sample buffer.
func (p *Pipeline) clipper(st *state) (export.Clipper, error) {
	if p.comp.Transcoder != nil && fileExists(st.canonical) {
		return p.comp.Transcoder, nil
	}
	if st.samples == nil && st.canonical != "" {
		if err := st.loadAudio(); err != nil {
			return nil, fmt.Errorf("load canonical audio: %w", err)
		}
	}
	if st.samples != nil {
		return &export.SampleClipper{
			Samples:    st.samples,
			SampleRate: st.sampleRate,
			WriteWAV:   audio.WriteWAVFile,
		}, nil
	}
	return nil, fmt.Errorf("no audio source for snippet export")
}

// stageKnowledge extracts campaign knowledge from the in-character
// transcript and merges it into the campaign store. Optional.
func (p *Pipeline) stageKnowledge(ctx context.Context, st *state) (stageOutcome, error) {
	if !p.opts.ExtractKnowledge || p.comp.Extractor == nil {
		return stageOutcome{status: StatusSkipped}, nil
	}

	icText := format.RenderText(st.entries, format.FilterICOnly)
	extracted, err := p.comp.Extractor.Extract(ctx, icText)
	if err != nil {
		return stageOutcome{}, err
	}
	st.extracted = &extracted

	data, err := json.MarshalIndent(extracted, "", "  ")
	if err != nil {
		return stageOutcome{}, fmt.Errorf("marshal knowledge: %w", err)
	}
	if err := os.WriteFile(filepath.Join(st.dir, FileKnowledge), data, 0o644); err != nil {
		return stageOutcome{}, fmt.Errorf("write %s: %w", FileKnowledge, err)
	}

	out := stageOutcome{}
	if p.comp.Store != nil {
		if _, err := knowledge.MergeInto(ctx, p.comp.Store, p.opts.CampaignID, extracted); err != nil {
			return stageOutcome{}, err
		}
	} else {
		out.warnings = []string{"no knowledge store configured, extraction kept in session dir only"}
	}

	err = st.save(StageKnowledgeExtracted, nil, map[string]string{"campaign": p.opts.CampaignID})
	return out, err
}
