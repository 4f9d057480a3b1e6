// Package mock provides a test double for the vad package interfaces.
//
// Use Detector to inject canned speech intervals and inspect the buffers
// submitted for analysis:
//
//	det := &mock.Detector{
//	    Intervals: []types.SpeechInterval{{Start: 1, End: 2.5}},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/tablescribe/tablescribe/pkg/provider/vad"
	"github.com/tablescribe/tablescribe/pkg/types"
)

// SpeechIntervalsCall records a single invocation of Detector.SpeechIntervals.
type SpeechIntervalsCall struct {
	// NumSamples is the length of the submitted buffer.
	NumSamples int

	// SampleRate is the rate passed alongside the buffer.
	SampleRate int
}

// Detector is a mock implementation of vad.Detector.
type Detector struct {
	mu sync.Mutex

	// Intervals is returned by every SpeechIntervals call.
	Intervals []types.SpeechInterval

	// Err, if non-nil, is returned by every SpeechIntervals call.
	Err error

	// Calls records every call to SpeechIntervals in order.
	Calls []SpeechIntervalsCall
}

// SpeechIntervals records the call and returns Intervals, Err.
func (d *Detector) SpeechIntervals(_ context.Context, samples []float32, sampleRate int) ([]types.SpeechInterval, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = append(d.Calls, SpeechIntervalsCall{NumSamples: len(samples), SampleRate: sampleRate})
	if d.Err != nil {
		return nil, d.Err
	}
	return append([]types.SpeechInterval(nil), d.Intervals...), nil
}

// Reset clears all recorded calls. Thread-safe.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Calls = nil
}

// Ensure Detector implements vad.Detector at compile time.
var _ vad.Detector = (*Detector)(nil)
