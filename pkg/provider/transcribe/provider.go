// Package transcribe defines the Transcriber interface for speech-to-text
// backends.
//
// A transcriber consumes one [types.AudioChunk] at a time and returns text
// segments with word-level timings. Backends are selected once at startup,
// not per call: either a local whisper.cpp model or a remote API. All
// returned times are absolute within the source recording; shifting from
// chunk-relative to absolute time is the backend's responsibility so callers
// never see chunk-local timestamps.
//
// Implementations must be safe for concurrent use; the pipeline may
// transcribe several chunks in parallel if the backend supports it.
package transcribe

import (
	"context"
	"errors"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// ErrUnavailable is returned by Preflight when the backend cannot serve
// requests, for example a missing model file or unreachable API.
var ErrUnavailable = errors.New("transcribe: backend unavailable")

// Transcriber is the abstraction over any speech-to-text backend.
type Transcriber interface {
	// Transcribe converts one audio chunk to text. language is a BCP-47
	// primary subtag ("en", "de"); empty lets the backend auto-detect where
	// supported. Segment and word times in the result are absolute seconds
	// within the source recording.
	Transcribe(ctx context.Context, chunk types.AudioChunk, language string) (types.ChunkTranscription, error)

	// Preflight verifies the backend is ready: model file present and
	// loadable, or remote credentials and connectivity valid. Called once
	// before the pipeline starts so misconfiguration surfaces before hours
	// of audio processing, not after.
	Preflight(ctx context.Context) error
}
