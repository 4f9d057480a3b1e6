// Package sherpa implements voice activity detection with the Silero VAD
// model through sherpa-onnx.
//
// The backend feeds the buffer through the model in fixed 512-sample windows
// and drains completed speech segments as they become available, so memory
// stays bounded even for multi-hour session recordings.
package sherpa

import (
	"context"
	"fmt"
	"os"

	sherpaonnx "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"github.com/tablescribe/tablescribe/pkg/provider/vad"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// windowSize is the fixed Silero analysis window in samples. The model is
// trained on 512-sample windows at 16 kHz.
const windowSize = 512

// bufferSeconds sizes the detector's internal segment buffer.
const bufferSeconds = 30

// Config holds the Silero VAD parameters.
type Config struct {
	// ModelPath is the path to silero_vad.onnx.
	ModelPath string

	// Threshold is the speech probability above which a window counts as
	// speech. Range (0, 1); 0.5 is a sensible default.
	Threshold float32

	// MinSilenceDuration is the silence, in seconds, required to end a speech
	// interval.
	MinSilenceDuration float32

	// MinSpeechDuration is the minimum interval length, in seconds, for an
	// interval to be reported at all.
	MinSpeechDuration float32

	// NumThreads bounds ONNX runtime parallelism. Zero means one thread.
	NumThreads int
}

// DefaultConfig returns the recommended parameters for session recordings.
func DefaultConfig(modelPath string) Config {
	return Config{
		ModelPath:          modelPath,
		Threshold:          0.5,
		MinSilenceDuration: 0.5,
		MinSpeechDuration:  0.25,
	}
}

// Detector is a Silero VAD backed [vad.Detector].
type Detector struct {
	cfg Config
}

// New validates cfg and returns a Detector. The model file must exist; a
// missing model is a preflight error rather than a per-call one.
func New(cfg Config) (*Detector, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("sherpa: model path is empty")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("sherpa: VAD model not found at %q: %w", cfg.ModelPath, err)
	}
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("sherpa: threshold %v out of range (0, 1)", cfg.Threshold)
	}
	return &Detector{cfg: cfg}, nil
}

// SpeechIntervals implements [vad.Detector]. Each call builds its own
// sherpa-onnx detector, so Detector itself is safe for concurrent use.
func (d *Detector) SpeechIntervals(ctx context.Context, samples []float32, sampleRate int) ([]types.SpeechInterval, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", vad.ErrInvalidAudio)
	}
	if sampleRate != types.CanonicalSampleRate {
		return nil, fmt.Errorf("%w: silero requires %d Hz, got %d", vad.ErrInvalidAudio, types.CanonicalSampleRate, sampleRate)
	}

	numThreads := d.cfg.NumThreads
	if numThreads <= 0 {
		numThreads = 1
	}
	modelCfg := sherpaonnx.VadModelConfig{
		SileroVad: sherpaonnx.SileroVadModelConfig{
			Model:              d.cfg.ModelPath,
			Threshold:          d.cfg.Threshold,
			MinSilenceDuration: d.cfg.MinSilenceDuration,
			MinSpeechDuration:  d.cfg.MinSpeechDuration,
			WindowSize:         windowSize,
		},
		SampleRate: sampleRate,
		NumThreads: numThreads,
	}

	det := sherpaonnx.NewVoiceActivityDetector(&modelCfg, bufferSeconds)
	if det == nil {
		return nil, fmt.Errorf("sherpa: failed to create voice activity detector")
	}
	defer sherpaonnx.DeleteVoiceActivityDetector(det)

	var intervals []types.SpeechInterval
	drain := func() {
		for !det.IsEmpty() {
			seg := det.Front()
			det.Pop()
			start := float64(seg.Start) / float64(sampleRate)
			end := start + float64(len(seg.Samples))/float64(sampleRate)
			intervals = append(intervals, types.SpeechInterval{Start: start, End: end})
		}
	}

	for off := 0; off < len(samples); off += windowSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hi := off + windowSize
		if hi > len(samples) {
			hi = len(samples)
		}
		det.AcceptWaveform(samples[off:hi])
		drain()
	}
	det.Flush()
	drain()

	return intervals, nil
}

var _ vad.Detector = (*Detector)(nil)
