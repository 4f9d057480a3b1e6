// Package ollama provides a completion backend that talks to a local Ollama
// server directly through github.com/ollama/ollama/api.
//
// Unlike the server-side backends behind the anyllm package, Ollama exposes
// per-request generation options including num_ctx and low_vram, which the
// classifier's memory-pressure recovery depends on. That is why local models
// go through this backend instead of any-llm-go's ollama provider.
package ollama

import (
	"context"
	"fmt"
	"strings"

	ollamaapi "github.com/ollama/ollama/api"

	"github.com/tablescribe/tablescribe/pkg/provider/llm"
)

// Provider implements llm.Provider against a local Ollama server.
type Provider struct {
	client *ollamaapi.Client
	model  string
}

// New creates a Provider for the given model. The server address is taken
// from the OLLAMA_HOST environment variable, defaulting to
// http://localhost:11434.
func New(model string) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama: model must not be empty")
	}
	client, err := ollamaapi.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama: create client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Preflight verifies the server is reachable and the model is pulled.
func (p *Provider) Preflight(ctx context.Context) error {
	list, err := p.client.List(ctx)
	if err != nil {
		return fmt.Errorf("ollama: server unreachable: %w", err)
	}
	base := strings.SplitN(p.model, ":", 2)[0]
	for _, m := range list.Models {
		if m.Name == p.model || strings.SplitN(m.Name, ":", 2)[0] == base {
			return nil
		}
	}
	return fmt.Errorf("ollama: model %q not found on server (run: ollama pull %s)", p.model, p.model)
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	options := map[string]any{}
	if req.Options.Temperature != nil {
		options["temperature"] = *req.Options.Temperature
	}
	if req.Options.MaxTokens > 0 {
		options["num_predict"] = req.Options.MaxTokens
	}
	if req.Options.NumCtx > 0 {
		options["num_ctx"] = req.Options.NumCtx
	}
	if req.Options.LowVRAM {
		options["low_vram"] = true
	}

	stream := false
	genReq := &ollamaapi.GenerateRequest{
		Model:   p.model,
		Prompt:  req.Prompt,
		System:  req.SystemPrompt,
		Options: options,
		Stream:  &stream,
	}

	var sb strings.Builder
	err := p.client.Generate(ctx, genReq, func(resp ollamaapi.GenerateResponse) error {
		sb.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: generate with %s: %w", p.model, err)
	}
	return &llm.CompletionResponse{Content: sb.String()}, nil
}

// ModelName implements llm.Provider.
func (p *Provider) ModelName() string { return p.model }

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
