// Package mock provides a test double for the diarize package interfaces.
package mock

import (
	"context"
	"sync"

	"github.com/tablescribe/tablescribe/pkg/provider/diarize"
)

// DiarizeCall records a single invocation of Diarizer.Diarize.
type DiarizeCall struct {
	// NumSamples is the length of the submitted buffer.
	NumSamples int

	// SampleRate is the rate passed alongside.
	SampleRate int

	// NumSpeakers is the speaker-count hint.
	NumSpeakers int
}

// Diarizer is a mock implementation of diarize.Diarizer.
type Diarizer struct {
	mu sync.Mutex

	// Result is returned by every Diarize call.
	Result diarize.Result

	// Err, if non-nil, is returned by every Diarize call.
	Err error

	// Calls records every call to Diarize in order.
	Calls []DiarizeCall
}

// Diarize records the call and returns Result, Err.
func (d *Diarizer) Diarize(_ context.Context, samples []float32, sampleRate, numSpeakers int) (diarize.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, DiarizeCall{NumSamples: len(samples), SampleRate: sampleRate, NumSpeakers: numSpeakers})
	if d.Err != nil {
		return diarize.Result{}, d.Err
	}
	return d.Result, nil
}

// Reset clears all recorded calls. Thread-safe.
func (d *Diarizer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = nil
}

// Ensure Diarizer implements diarize.Diarizer at compile time.
var _ diarize.Diarizer = (*Diarizer)(nil)
