// Package sherpa implements speaker diarization through sherpa-onnx, using a
// pyannote segmentation model plus a speaker embedding model with fast
// clustering.
//
// When the requested ONNX execution provider (CUDA, CoreML) fails to
// initialize, construction falls back to CPU rather than failing; diarization
// of a multi-hour recording on CPU is slow but correct.
package sherpa

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	sherpaonnx "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/tablescribe/tablescribe/pkg/audio"
	"github.com/tablescribe/tablescribe/pkg/provider/diarize"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// Config holds the diarization model parameters.
type Config struct {
	// SegmentationModelPath is the pyannote segmentation ONNX model.
	SegmentationModelPath string

	// EmbeddingModelPath is the speaker embedding ONNX model used by the
	// clustering step.
	EmbeddingModelPath string

	// ClusteringThreshold controls cluster separation when the speaker count
	// is not hinted. Lower values produce more speakers. Typical: 0.5.
	ClusteringThreshold float32

	// Provider selects the ONNX execution provider ("cpu", "cuda",
	// "coreml"). Empty means cpu.
	Provider string

	// NumThreads bounds ONNX runtime parallelism. Zero means one thread.
	NumThreads int
}

// DefaultConfig returns CPU diarization with a balanced clustering threshold.
func DefaultConfig(segmentationPath, embeddingPath string) Config {
	return Config{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		ClusteringThreshold:   0.5,
		Provider:              "cpu",
	}
}

// Diarizer is a sherpa-onnx backed [diarize.Diarizer].
type Diarizer struct {
	cfg Config

	// The native diarizer is not safe for concurrent Process calls.
	mu  sync.Mutex
	sd  *sherpaonnx.OfflineSpeakerDiarization
}

// New validates the model files and builds the native diarizer. The caller
// must Close the returned Diarizer.
func New(cfg Config) (*Diarizer, error) {
	if _, err := os.Stat(cfg.SegmentationModelPath); err != nil {
		return nil, fmt.Errorf("sherpa: segmentation model: %w", err)
	}
	if _, err := os.Stat(cfg.EmbeddingModelPath); err != nil {
		return nil, fmt.Errorf("sherpa: embedding model: %w", err)
	}
	if cfg.ClusteringThreshold <= 0 {
		cfg.ClusteringThreshold = 0.5
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "cpu"
	}
	numThreads := cfg.NumThreads
	if numThreads <= 0 {
		numThreads = 1
	}

	build := func(prov string) *sherpaonnx.OfflineSpeakerDiarization {
		sc := &sherpaonnx.OfflineSpeakerDiarizationConfig{
			Segmentation: sherpaonnx.OfflineSpeakerSegmentationModelConfig{
				Pyannote: sherpaonnx.OfflineSpeakerSegmentationPyannoteModelConfig{
					Model: cfg.SegmentationModelPath,
				},
				NumThreads: numThreads,
				Provider:   prov,
			},
			Embedding: sherpaonnx.SpeakerEmbeddingExtractorConfig{
				Model:      cfg.EmbeddingModelPath,
				NumThreads: numThreads,
				Provider:   prov,
			},
			Clustering: sherpaonnx.FastClusteringConfig{
				NumClusters: -1,
				Threshold:   cfg.ClusteringThreshold,
			},
		}
		return sherpaonnx.NewOfflineSpeakerDiarization(sc)
	}

	sd := build(provider)
	if sd == nil && provider != "cpu" {
		slog.Warn("diarization provider failed, falling back to cpu", "provider", provider)
		provider = "cpu"
		sd = build(provider)
	}
	if sd == nil {
		return nil, fmt.Errorf("sherpa: failed to create diarizer (provider %q)", provider)
	}
	cfg.Provider = provider
	return &Diarizer{cfg: cfg, sd: sd}, nil
}

// Close releases the native diarizer.
func (d *Diarizer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sd != nil {
		sherpaonnx.DeleteOfflineSpeakerDiarization(d.sd)
		d.sd = nil
	}
	return nil
}

// Diarize implements [diarize.Diarizer].
func (d *Diarizer) Diarize(ctx context.Context, samples []float32, sampleRate, numSpeakers int) (diarize.Result, error) {
	if err := ctx.Err(); err != nil {
		return diarize.Result{}, err
	}
	if sampleRate != types.CanonicalSampleRate {
		return diarize.Result{}, fmt.Errorf("sherpa: diarization requires %d Hz, got %d", types.CanonicalSampleRate, sampleRate)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sd == nil {
		return diarize.Result{}, fmt.Errorf("sherpa: diarizer is closed")
	}

	if numSpeakers > 0 {
		d.sd.SetConfig(&sherpaonnx.OfflineSpeakerDiarizationConfig{
			Clustering: sherpaonnx.FastClusteringConfig{
				NumClusters: numSpeakers,
				Threshold:   d.cfg.ClusteringThreshold,
			},
		})
	}

	raw := d.sd.Process(samples)
	segments := make([]types.SpeakerSegment, 0, len(raw))
	for _, seg := range raw {
		segments = append(segments, types.SpeakerSegment{
			SpeakerID: diarize.SpeakerID(seg.Speaker),
			Start:     float64(seg.Start),
			End:       float64(seg.End),
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	result := diarize.Result{
		Segments:   segments,
		Embeddings: speakerEmbeddings(segments, samples, sampleRate),
	}
	for _, pair := range diarize.SimilarSpeakers(result.Embeddings, diarize.DefaultSimilarDistance) {
		slog.Warn("speakers have near-identical voiceprints, clustering may have split one voice",
			"speaker_a", pair[0], "speaker_b", pair[1])
	}
	slog.Info("diarized audio", "segments", len(segments), "speakers", len(result.Embeddings))
	return result, nil
}

// speakerEmbeddings concatenates each speaker's regions and computes a voice
// embedding for it. A failing speaker is logged and skipped; attribution for
// its segments stays valid.
func speakerEmbeddings(segments []types.SpeakerSegment, samples []float32, sampleRate int) map[string][]float64 {
	regions := make(map[string][]float32)
	for _, seg := range segments {
		regions[seg.SpeakerID] = append(regions[seg.SpeakerID],
			audio.SampleRange(samples, sampleRate, seg.Start, seg.End)...)
	}

	embeddings := make(map[string][]float64, len(regions))
	for speaker, region := range regions {
		emb, err := diarize.VoiceEmbedding(region, sampleRate)
		if err != nil {
			slog.Warn("skipping speaker embedding", "speaker", speaker, "error", err)
			continue
		}
		embeddings[speaker] = emb
	}
	return embeddings
}

var _ diarize.Diarizer = (*Diarizer)(nil)
