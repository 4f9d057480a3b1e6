// Package vad defines the Detector interface for voice activity detection
// backends.
//
// A detector analyses a complete, already-decoded audio buffer and returns
// the intervals in which speech is present. Tablescribe runs VAD offline over
// full session recordings, so detection is batch rather than streaming: the
// caller hands over all samples at once and receives the whole interval list
// back. Backends that operate on frames internally (Silero, energy/RMS) hide
// that windowing behind this interface.
//
// Implementations must be safe for concurrent use.
package vad

import (
	"context"
	"errors"

	"github.com/tablescribe/tablescribe/pkg/types"
)

// ErrInvalidAudio is returned when the supplied buffer cannot be analysed,
// for example an empty buffer or an unsupported sample rate.
var ErrInvalidAudio = errors.New("vad: invalid audio input")

// Detector finds speech intervals in an audio buffer.
type Detector interface {
	// SpeechIntervals returns the speech regions of samples, in seconds from
	// the start of the buffer, sorted and non-overlapping. An audio buffer
	// that contains no speech yields an empty slice and a nil error.
	//
	// sampleRate must be the rate samples was recorded at; most backends
	// require [types.CanonicalSampleRate].
	SpeechIntervals(ctx context.Context, samples []float32, sampleRate int) ([]types.SpeechInterval, error)
}
