// Package energy implements a model-free voice activity detector based on
// per-frame RMS loudness.
//
// It is less precise than Silero (it detects any sound, not just voice) but
// needs no ONNX model and is deterministic, which also makes it the detector
// of choice in tests. Use it as a fallback when the Silero model file is not
// available.
package energy

import (
	"context"
	"fmt"

	"github.com/tablescribe/tablescribe/pkg/audio"
	"github.com/tablescribe/tablescribe/pkg/provider/vad"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// Config holds the energy detector parameters.
type Config struct {
	// SilenceThreshold is the RMS level below which a frame counts as
	// silence. Range (0, 1); lower is more sensitive.
	SilenceThreshold float64

	// MinSilenceDuration is the silence, in seconds, required to end a
	// speech interval.
	MinSilenceDuration float64

	// MinSpeechDuration is the minimum interval length, in seconds, for an
	// interval to be reported.
	MinSpeechDuration float64

	// FrameSize is the number of samples per RMS frame.
	FrameSize int
}

// DefaultConfig returns parameters tuned for 16 kHz speech: 30 ms frames,
// a fairly sensitive threshold, 300 ms of silence to split.
func DefaultConfig() Config {
	return Config{
		SilenceThreshold:   0.01,
		MinSilenceDuration: 0.3,
		MinSpeechDuration:  0.1,
		FrameSize:          480,
	}
}

// Detector is an RMS-based [vad.Detector].
type Detector struct {
	cfg Config
}

// New validates cfg and returns a Detector.
func New(cfg Config) (*Detector, error) {
	if cfg.SilenceThreshold <= 0 || cfg.SilenceThreshold >= 1 {
		return nil, fmt.Errorf("energy: silence threshold %v out of range (0, 1)", cfg.SilenceThreshold)
	}
	if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("energy: frame size must be positive, got %d", cfg.FrameSize)
	}
	return &Detector{cfg: cfg}, nil
}

// SpeechIntervals implements [vad.Detector].
func (d *Detector) SpeechIntervals(ctx context.Context, samples []float32, sampleRate int) ([]types.SpeechInterval, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", vad.ErrInvalidAudio)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", vad.ErrInvalidAudio, sampleRate)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	frameDur := float64(d.cfg.FrameSize) / float64(sampleRate)
	minSilenceFrames := int(d.cfg.MinSilenceDuration / frameDur)
	minSpeechFrames := int(d.cfg.MinSpeechDuration / frameDur)

	numFrames := (len(samples) + d.cfg.FrameSize - 1) / d.cfg.FrameSize

	var intervals []types.SpeechInterval
	inSpeech := false
	speechStart := 0
	silenceCount := 0

	emit := func(startFrame, endFrame int) {
		if endFrame-startFrame < minSpeechFrames {
			return
		}
		intervals = append(intervals, types.SpeechInterval{
			Start: float64(startFrame) * frameDur,
			End:   float64(endFrame) * frameDur,
		})
	}

	for i := 0; i < numFrames; i++ {
		lo := i * d.cfg.FrameSize
		hi := lo + d.cfg.FrameSize
		if hi > len(samples) {
			hi = len(samples)
		}
		isSilent := audio.RMS(samples[lo:hi]) < d.cfg.SilenceThreshold

		if !inSpeech {
			if !isSilent {
				inSpeech = true
				speechStart = i
				silenceCount = 0
			}
			continue
		}
		if !isSilent {
			silenceCount = 0
			continue
		}
		silenceCount++
		if silenceCount >= minSilenceFrames {
			emit(speechStart, i-silenceCount+1)
			inSpeech = false
			silenceCount = 0
		}
	}
	if inSpeech {
		emit(speechStart, numFrames)
	}

	return intervals, nil
}

var _ vad.Detector = (*Detector)(nil)
