package inference

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"
)

// HostedProvider routes generation to a hosted or server-local LLM through
// the unified multi-provider interface. It serves pipeline llm steps that
// name a provider explicitly and bypasses the worker pool entirely.
type HostedProvider struct {
	backend anyllmlib.Provider
	model   string
}

// NewHostedProvider creates a provider by name: "openai", "anthropic",
// "ollama", "groq", or "llamacpp". API keys come from the provider's
// conventional environment variable unless overridden via opts.
func NewHostedProvider(providerName, model string, opts ...anyllmlib.Option) (*HostedProvider, error) {
	if model == "" {
		return nil, fmt.Errorf("hosted provider: model must not be empty")
	}

	var backend anyllmlib.Provider
	var err error
	switch strings.ToLower(providerName) {
	case "openai":
		backend, err = anyllmoai.New(opts...)
	case "anthropic":
		backend, err = anthropic.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	case "groq":
		backend, err = groq.New(opts...)
	case "llamacpp":
		backend, err = llamacpp.New(opts...)
	default:
		return nil, fmt.Errorf("hosted provider: unsupported provider %q", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("hosted provider %q: %w", providerName, err)
	}
	return &HostedProvider{backend: backend, model: model}, nil
}

// Generate runs one completion.
func (p *HostedProvider) Generate(ctx context.Context, prompt, systemPrompt string, maxTokens int, temperature float64) (GenerateResult, error) {
	var messages []anyllmlib.Message
	if systemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleUser, Content: prompt})

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if temperature != 0 {
		params.Temperature = &temperature
	}
	if maxTokens > 0 {
		params.MaxTokens = &maxTokens
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return GenerateResult{}, fmt.Errorf("hosted completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return GenerateResult{}, fmt.Errorf("hosted completion: empty choices")
	}

	result := GenerateResult{Text: resp.Choices[0].Message.ContentString()}
	if resp.Usage != nil {
		result.Tokens = resp.Usage.CompletionTokens
	}
	return result, nil
}
