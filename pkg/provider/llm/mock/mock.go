// Package mock provides a test double for the llm package interfaces.
//
// Use Provider to inject canned completions and inspect the prompts that
// were submitted:
//
//	p := &mock.Provider{Responses: []string{"Classification: IC\nConfidence: 0.9"}}
package mock

import (
	"context"
	"sync"

	"github.com/tablescribe/tablescribe/pkg/provider/llm"
)

// CompleteCall records a single invocation of Provider.Complete.
type CompleteCall struct {
	// Request is the full request passed to Complete.
	Request llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Model is returned by ModelName. Defaults to "mock-model".
	Model string

	// Responses are returned by successive Complete calls. The last entry
	// repeats once the slice is exhausted.
	Responses []string

	// Errs are returned by successive Complete calls before Responses are
	// consulted; a nil entry means that call succeeds. Use this to script
	// fail-then-recover sequences.
	Errs []error

	// Calls records every call to Complete in order.
	Calls []CompleteCall

	next int
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, CompleteCall{Request: req})

	i := p.next
	p.next++

	if i < len(p.Errs) && p.Errs[i] != nil {
		return nil, p.Errs[i]
	}
	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}
	if i >= len(p.Responses) {
		i = len(p.Responses) - 1
	}
	return &llm.CompletionResponse{Content: p.Responses[i]}, nil
}

// ModelName returns Model, or "mock-model" when unset.
func (p *Provider) ModelName() string {
	if p.Model == "" {
		return "mock-model"
	}
	return p.Model
}

// Reset clears all recorded calls and rewinds the script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.next = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
