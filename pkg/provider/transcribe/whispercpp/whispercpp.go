// Package whispercpp implements transcription with a local whisper.cpp model
// through the CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// The model file is loaded lazily on first use so that constructing the
// backend stays cheap when a checkpoint resume skips transcription entirely.
// Each Transcribe call creates its own whisper context; contexts are not
// thread-safe but the loaded model is shared.
package whispercpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/tablescribe/tablescribe/pkg/provider/transcribe"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// Compile-time assertion that Transcriber satisfies transcribe.Transcriber.
var _ transcribe.Transcriber = (*Transcriber)(nil)

// Transcriber implements transcribe.Transcriber using whisper.cpp.
type Transcriber struct {
	modelPath string
	language  string

	loadOnce sync.Once
	loadErr  error
	model    whisperlib.Model
}

// Option is a functional option for configuring a Transcriber.
type Option func(*Transcriber)

// WithLanguage sets the default language used when a Transcribe call passes
// an empty language. Defaults to auto-detection.
func WithLanguage(lang string) Option {
	return func(t *Transcriber) { t.language = lang }
}

// New creates a whisper.cpp Transcriber for the model at modelPath. The model
// is not loaded until the first Transcribe or Preflight call.
func New(modelPath string, opts ...Option) (*Transcriber, error) {
	if modelPath == "" {
		return nil, errors.New("whispercpp: model path must not be empty")
	}
	t := &Transcriber{modelPath: modelPath}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Preflight checks the model file exists and loads it.
func (t *Transcriber) Preflight(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(t.modelPath); err != nil {
		return fmt.Errorf("%w: model file %q: %v", transcribe.ErrUnavailable, t.modelPath, err)
	}
	if err := t.load(); err != nil {
		return fmt.Errorf("%w: %v", transcribe.ErrUnavailable, err)
	}
	return nil
}

// Close releases the model if it was loaded.
func (t *Transcriber) Close() error {
	if t.model != nil {
		return t.model.Close()
	}
	return nil
}

func (t *Transcriber) load() error {
	t.loadOnce.Do(func() {
		start := time.Now()
		model, err := whisperlib.New(t.modelPath)
		if err != nil {
			t.loadErr = fmt.Errorf("whispercpp: load model %q: %w", t.modelPath, err)
			return
		}
		t.model = model
		slog.Info("loaded whisper model", "path", t.modelPath, "took", time.Since(start).Round(time.Millisecond))
	})
	return t.loadErr
}

// Transcribe implements [transcribe.Transcriber]. Returned segment and word
// times are shifted by chunk.Start to the absolute recording timeline.
func (t *Transcriber) Transcribe(ctx context.Context, chunk types.AudioChunk, language string) (types.ChunkTranscription, error) {
	out := types.ChunkTranscription{
		ChunkIndex: chunk.Index,
		ChunkStart: chunk.Start,
		ChunkEnd:   chunk.End,
	}
	if err := t.load(); err != nil {
		return out, err
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if chunk.SampleRate != types.CanonicalSampleRate {
		return out, fmt.Errorf("whispercpp: chunk %d has sample rate %d, want %d",
			chunk.Index, chunk.SampleRate, types.CanonicalSampleRate)
	}

	wctx, err := t.model.NewContext()
	if err != nil {
		return out, fmt.Errorf("whispercpp: create context: %w", err)
	}

	if language == "" {
		language = t.language
	}
	if language != "" {
		if err := wctx.SetLanguage(language); err != nil {
			slog.Warn("whisper language not accepted, auto-detecting", "language", language, "error", err)
		}
	}

	if err := wctx.Process(chunk.Samples, nil, nil, nil); err != nil {
		return out, fmt.Errorf("whispercpp: process chunk %d: %w", chunk.Index, err)
	}

	for {
		seg, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return out, fmt.Errorf("whispercpp: read segment: %w", err)
		}
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		out.Segments = append(out.Segments, types.TranscriptionSegment{
			Text:  text,
			Start: chunk.Start + seg.Start.Seconds(),
			End:   chunk.Start + seg.End.Seconds(),
			Words: tokensToWords(seg.Tokens, chunk.Start),
		})
	}
	out.Language = language
	return out, nil
}

// tokensToWords maps whisper tokens onto word timings, dropping special
// tokens such as "[_BEG_]".
func tokensToWords(tokens []whisperlib.Token, offset float64) []types.WordTiming {
	words := make([]types.WordTiming, 0, len(tokens))
	for _, tok := range tokens {
		text := strings.TrimSpace(tok.Text)
		if text == "" || strings.HasPrefix(text, "[_") {
			continue
		}
		words = append(words, types.WordTiming{
			Word:        text,
			Start:       offset + tok.Start.Seconds(),
			End:         offset + tok.End.Seconds(),
			Probability: float64(tok.P),
		})
	}
	if len(words) == 0 {
		return nil
	}
	return words
}
