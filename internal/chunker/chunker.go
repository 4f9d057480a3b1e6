// Package chunker splits a session recording into overlapping chunks sized
// for transcription.
//
// Chunk boundaries are chosen by a hybrid strategy: each chunk aims for a
// fixed maximum length, but the actual cut is snapped to the best silence gap
// near the ideal end so that words are never split mid-utterance. Consecutive
// chunks overlap by a fixed window; the merger later removes the duplicated
// region.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/tablescribe/tablescribe/pkg/audio"
	"github.com/tablescribe/tablescribe/pkg/provider/vad"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// ErrNoChunks is returned when non-empty audio yields zero chunks. This
// indicates a VAD or configuration defect, not a property of the audio.
var ErrNoChunks = errors.New("chunker: produced no chunks for non-empty audio")

// searchWindow bounds how far from the ideal chunk end a silence gap may lie
// and still be chosen as the cut point.
const searchWindow = 60.0

// Config holds the chunking parameters.
type Config struct {
	// MaxChunkLength is the target chunk length in seconds.
	MaxChunkLength float64

	// OverlapLength is the overlap between consecutive chunks in seconds.
	OverlapLength float64
}

// DefaultConfig returns 10-minute chunks with 10 seconds of overlap, an
// overlap overhead of under 2%.
func DefaultConfig() Config {
	return Config{
		MaxChunkLength: 600,
		OverlapLength:  10,
	}
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	var errs []error
	if c.MaxChunkLength <= 0 {
		errs = append(errs, fmt.Errorf("max chunk length must be positive, got %v", c.MaxChunkLength))
	}
	if c.OverlapLength < 0 {
		errs = append(errs, fmt.Errorf("overlap length must be non-negative, got %v", c.OverlapLength))
	}
	if c.OverlapLength >= c.MaxChunkLength {
		errs = append(errs, fmt.Errorf("overlap length %v must be smaller than max chunk length %v", c.OverlapLength, c.MaxChunkLength))
	}
	return errors.Join(errs...)
}

// ProgressFunc is invoked after each chunk emission. A panic or error inside
// the callback is logged and swallowed; progress reporting must never fail
// the run.
type ProgressFunc func(chunk types.AudioChunk, totalDuration float64) error

// Chunker produces overlapping speech-aligned chunks from decoded audio.
type Chunker struct {
	cfg      Config
	detector vad.Detector
	progress ProgressFunc
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *Chunker) { c.progress = fn }
}

// New creates a Chunker that cuts at silence gaps reported by detector.
func New(cfg Config, detector vad.Detector, opts ...Option) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("chunker: %w", err)
	}
	if detector == nil {
		return nil, fmt.Errorf("chunker: detector must not be nil")
	}
	c := &Chunker{cfg: cfg, detector: detector}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ChunkFile loads a canonical WAV from path and chunks it.
func (c *Chunker) ChunkFile(ctx context.Context, path string) ([]types.AudioChunk, error) {
	samples, rate, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, fmt.Errorf("chunker: load %q: %w", path, err)
	}
	return c.Chunk(ctx, samples, rate)
}

// Chunk splits samples into overlapping chunks. The buffer is peak-normalized
// in place before VAD so quiet recordings still produce usable speech
// intervals.
func (c *Chunker) Chunk(ctx context.Context, samples []float32, sampleRate int) ([]types.AudioChunk, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("chunker: empty audio")
	}

	audio.PeakNormalize(samples)
	totalDuration := audio.Duration(samples, sampleRate)

	intervals, err := c.detector.SpeechIntervals(ctx, samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("chunker: voice activity detection: %w", err)
	}
	gaps := silenceGaps(intervals, totalDuration)

	var chunks []types.AudioChunk
	chunkStart := 0.0
	for index := 0; ; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunkEnd := c.selectEnd(chunkStart, totalDuration, gaps)
		chunk := types.AudioChunk{
			Index:      index,
			Start:      chunkStart,
			End:        chunkEnd,
			SampleRate: sampleRate,
			Samples:    audio.SampleRange(samples, sampleRate, chunkStart, chunkEnd),
		}
		chunks = append(chunks, chunk)
		c.reportProgress(chunk, totalDuration)

		if chunkEnd >= totalDuration {
			break
		}
		chunkStart = chunkEnd - c.cfg.OverlapLength
	}

	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}
	slog.Info("chunked audio",
		"chunks", len(chunks),
		"duration_s", math.Round(totalDuration),
		"speech_intervals", len(intervals),
	)
	return chunks, nil
}

// selectEnd picks the end for a chunk starting at chunkStart: the rest of the
// file if it fits, otherwise the best-scoring silence gap near the ideal end,
// otherwise the ideal end itself.
func (c *Chunker) selectEnd(chunkStart, totalDuration float64, gaps []gap) float64 {
	idealEnd := chunkStart + c.cfg.MaxChunkLength
	if idealEnd >= totalDuration {
		return totalDuration
	}

	// Any candidate end must leave the next chunk's start past this one's,
	// or the loop over the file would stop advancing.
	minEnd := chunkStart + c.cfg.OverlapLength

	bestScore := math.Inf(1)
	bestEnd := idealEnd
	for _, g := range gaps {
		if g.end <= minEnd || math.Abs(g.end-idealEnd) > searchWindow {
			continue
		}
		// Prefer gaps close to the ideal end, but reward wide gaps: a long
		// pause two units further away beats a short one right on target.
		score := math.Abs(g.end-idealEnd) - 2*g.width()
		if score < bestScore {
			bestScore = score
			bestEnd = g.end
		}
	}
	if bestEnd >= totalDuration {
		return totalDuration
	}
	return bestEnd
}

func (c *Chunker) reportProgress(chunk types.AudioChunk, totalDuration float64) {
	if c.progress == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("chunk progress callback panicked", "chunk_index", chunk.Index, "panic", r)
		}
	}()
	if err := c.progress(chunk, totalDuration); err != nil {
		slog.Warn("chunk progress callback failed", "chunk_index", chunk.Index, "error", err)
	}
}

// gap is a silence region between two speech intervals.
type gap struct {
	start, end float64
}

func (g gap) width() float64 { return g.end - g.start }

// silenceGaps derives the silence regions between adjacent speech intervals,
// including any leading and trailing silence.
func silenceGaps(intervals []types.SpeechInterval, totalDuration float64) []gap {
	if len(intervals) == 0 {
		return []gap{{start: 0, end: totalDuration}}
	}

	var gaps []gap
	if intervals[0].Start > 0 {
		gaps = append(gaps, gap{start: 0, end: intervals[0].Start})
	}
	for i := 1; i < len(intervals); i++ {
		prevEnd := intervals[i-1].End
		if intervals[i].Start > prevEnd {
			gaps = append(gaps, gap{start: prevEnd, end: intervals[i].Start})
		}
	}
	if last := intervals[len(intervals)-1].End; last < totalDuration {
		gaps = append(gaps, gap{start: last, end: totalDuration})
	}
	return gaps
}
