// Package openai implements transcription against the OpenAI audio API.
//
// Each chunk is written to a temporary WAV file, uploaded with a verbose JSON
// response format so segment and word timestamps come back, and the temp file
// is removed on every path. Network failures are not retried here; the
// pipeline's shared retry core wraps Transcribe calls.
package openai

import (
	"context"
	"fmt"
	"os"
	"time"

	oai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/tablescribe/tablescribe/pkg/audio"
	"github.com/tablescribe/tablescribe/pkg/provider/transcribe"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// DefaultModel is the default OpenAI transcription model.
const DefaultModel = oai.AudioModelWhisper1

// Ensure Transcriber implements the transcribe.Transcriber interface.
var _ transcribe.Transcriber = (*Transcriber)(nil)

// Transcriber implements transcribe.Transcriber using the OpenAI API.
type Transcriber struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the transcriber.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Transcriber.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Use this for
// OpenAI-compatible servers such as a local whisper HTTP frontend.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs an OpenAI Transcriber. If model is empty, DefaultModel
// (whisper-1) is used.
func New(apiKey, model string, opts ...Option) (*Transcriber, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai transcribe: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &Transcriber{
		client: oai.NewClient(reqOpts...),
		model:  model,
	}, nil
}

// Preflight verifies credentials and connectivity with a models listing, the
// cheapest authenticated call the API offers.
func (t *Transcriber) Preflight(ctx context.Context) error {
	if _, err := t.client.Models.List(ctx); err != nil {
		return fmt.Errorf("%w: openai: %v", transcribe.ErrUnavailable, err)
	}
	return nil
}

// Transcribe implements [transcribe.Transcriber].
func (t *Transcriber) Transcribe(ctx context.Context, chunk types.AudioChunk, language string) (types.ChunkTranscription, error) {
	out := types.ChunkTranscription{
		ChunkIndex: chunk.Index,
		ChunkStart: chunk.Start,
		ChunkEnd:   chunk.End,
		Language:   language,
	}

	tmp, err := os.CreateTemp("", fmt.Sprintf("tablescribe_chunk_%04d_*.wav", chunk.Index))
	if err != nil {
		return out, fmt.Errorf("openai transcribe: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := audio.EncodeWAV(tmp, chunk.Samples, chunk.SampleRate); err != nil {
		tmp.Close()
		return out, fmt.Errorf("openai transcribe: encode chunk %d: %w", chunk.Index, err)
	}
	if err := tmp.Close(); err != nil {
		return out, fmt.Errorf("openai transcribe: close temp file: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return out, fmt.Errorf("openai transcribe: reopen temp file: %w", err)
	}
	defer f.Close()

	params := oai.AudioTranscriptionNewParams{
		Model:                  t.model,
		File:                   f,
		ResponseFormat:         oai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment", "word"},
	}
	if language != "" {
		params.Language = oai.String(language)
	}

	// The typed response only carries the plain text; the verbose payload
	// with segment timings has to be decoded from the body directly.
	var verbose oai.TranscriptionVerbose
	_, err = t.client.Audio.Transcriptions.New(ctx, params, option.WithResponseBodyInto(&verbose))
	if err != nil {
		return out, fmt.Errorf("openai transcribe: chunk %d: %w", chunk.Index, err)
	}

	out.Segments = mapSegments(verbose, chunk.Start)
	if verbose.Language != "" {
		out.Language = verbose.Language
	}
	return out, nil
}

// mapSegments converts the API response to the internal segment type,
// shifting times by the chunk offset and attaching words to the segment
// whose span contains them.
func mapSegments(v oai.TranscriptionVerbose, offset float64) []types.TranscriptionSegment {
	segments := make([]types.TranscriptionSegment, 0, len(v.Segments))
	for _, s := range v.Segments {
		segments = append(segments, types.TranscriptionSegment{
			Text:  s.Text,
			Start: offset + float64(s.Start),
			End:   offset + float64(s.End),
		})
	}
	for _, w := range v.Words {
		start := offset + float64(w.Start)
		for i := range segments {
			if start >= segments[i].Start && start < segments[i].End {
				segments[i].Words = append(segments[i].Words, types.WordTiming{
					Word:  w.Word,
					Start: start,
					End:   offset + float64(w.End),
				})
				break
			}
		}
	}
	return segments
}
