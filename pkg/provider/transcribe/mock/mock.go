// Package mock provides a test double for the transcribe package interfaces.
//
// Use Transcriber to inject canned per-chunk results keyed by chunk index:
//
//	tr := &mock.Transcriber{
//	    Results: map[int]types.ChunkTranscription{
//	        0: {ChunkIndex: 0, Segments: []types.TranscriptionSegment{{Text: "hello"}}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/tablescribe/tablescribe/pkg/provider/transcribe"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// ChunkIndex identifies the submitted chunk.
	ChunkIndex int

	// Language is the language hint passed alongside.
	Language string
}

// Transcriber is a mock implementation of transcribe.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Results maps chunk index to the transcription returned for it. Chunks
	// without an entry yield an empty ChunkTranscription carrying the
	// chunk's own bounds.
	Results map[int]types.ChunkTranscription

	// Err, if non-nil, is returned by every Transcribe call.
	Err error

	// ErrOnce, if non-nil, is returned by the first Transcribe call only.
	// Use it to exercise retry paths.
	ErrOnce error

	// PreflightErr, if non-nil, is returned by Preflight.
	PreflightErr error

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall

	// PreflightCallCount is the number of times Preflight was called.
	PreflightCallCount int
}

// Transcribe records the call and returns the configured result.
func (t *Transcriber) Transcribe(_ context.Context, chunk types.AudioChunk, language string) (types.ChunkTranscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = append(t.Calls, TranscribeCall{ChunkIndex: chunk.Index, Language: language})

	if t.ErrOnce != nil {
		err := t.ErrOnce
		t.ErrOnce = nil
		return types.ChunkTranscription{}, err
	}
	if t.Err != nil {
		return types.ChunkTranscription{}, t.Err
	}
	if r, ok := t.Results[chunk.Index]; ok {
		return r, nil
	}
	return types.ChunkTranscription{
		ChunkIndex: chunk.Index,
		ChunkStart: chunk.Start,
		ChunkEnd:   chunk.End,
		Language:   language,
	}, nil
}

// Preflight records the call and returns PreflightErr.
func (t *Transcriber) Preflight(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.PreflightCallCount++
	return t.PreflightErr
}

// Reset clears all recorded calls. Thread-safe.
func (t *Transcriber) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Calls = nil
	t.PreflightCallCount = 0
}

// Ensure Transcriber implements transcribe.Transcriber at compile time.
var _ transcribe.Transcriber = (*Transcriber)(nil)
