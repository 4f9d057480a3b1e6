// Package llm defines the Provider interface for text-completion backends
// used by the segment classifier and the knowledge extractor.
//
// The surface is deliberately small: one prompt in, one completion out. No
// streaming, no tool calling — classification prompts are short and their
// responses shorter. Backends differ in which generation options they honour;
// options a backend cannot express are ignored rather than rejected.
package llm

import (
	"context"
	"errors"
)

// ErrRateLimited signals an explicit rate-limit response (HTTP 429 or a
// driver-specific equivalent). Callers penalize the shared rate limiter when
// they see it.
var ErrRateLimited = errors.New("llm: rate limited")

// Options are generation parameters for a single completion.
type Options struct {
	// Temperature controls sampling randomness. Nil uses the backend
	// default.
	Temperature *float64

	// MaxTokens caps the completion length (num_predict for local models).
	// Zero uses the backend default.
	MaxTokens int

	// NumCtx is the context window size in tokens. Only local backends
	// honour it; zero uses the backend default.
	NumCtx int

	// LowVRAM enables the backend's reduced-memory inference mode where
	// available. Used when retrying after a memory-pressure failure.
	LowVRAM bool
}

// CompletionRequest is one prompt for a Provider.
type CompletionRequest struct {
	// SystemPrompt is prepended as the system message when non-empty.
	SystemPrompt string

	// Prompt is the user message.
	Prompt string

	// Options tune generation for this call.
	Options Options
}

// CompletionResponse is the provider's answer.
type CompletionResponse struct {
	// Content is the completion text.
	Content string
}

// Provider is the abstraction over any completion backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Complete runs one completion. Returns an error wrapping
	// [ErrRateLimited] on explicit rate-limit responses.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelName returns the model identifier, used in audit logs and for
	// RAM preflight estimation.
	ModelName() string
}
