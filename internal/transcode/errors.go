package transcode

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no usable ffmpeg binary could be located.
var ErrNotFound = errors.New("transcode: ffmpeg not found")

// ErrTimeout is returned when an extraction run exceeds its wall-clock budget.
var ErrTimeout = errors.New("transcode: ffmpeg timed out")

// TranscodeError reports a failed conversion: the external transcoder exited
// non-zero, or its output file is missing or implausibly small.
type TranscodeError struct {
	// Input is the source media path.
	Input string

	// Stderr is the tail of the transcoder's diagnostic output.
	Stderr string

	// Err is the underlying cause.
	Err error
}

func (e *TranscodeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("transcode: convert %q: %v\n%s", e.Input, e.Err, e.Stderr)
	}
	return fmt.Sprintf("transcode: convert %q: %v", e.Input, e.Err)
}

func (e *TranscodeError) Unwrap() error { return e.Err }
