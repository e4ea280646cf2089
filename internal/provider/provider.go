package provider

import (
	"context"
	"fmt"

	"github.com/rbase-ai/deepreview/config"
)

// TokenUsage accumulates token accounting across LLM calls.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add merges another usage report into this one.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Fragment is a single increment of a streamed generation.
type Fragment struct {
	Content string
	Done    bool
	Err     error
	Usage   *TokenUsage
}

// Options carries per-call generation parameters.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// LLMProvider is the contract for text generation and embedding backends.
type LLMProvider interface {
	// Generate produces a completion for the prompt using the named model.
	Generate(ctx context.Context, prompt string, model string, opts Options) (string, TokenUsage, error)

	// GenerateStream produces a completion incrementally. The returned channel
	// is closed after a terminal fragment (Done or Err set); cancelling ctx
	// tears down the upstream call and the terminal fragment carries the
	// context error. Consumers must still treat a close without a terminal
	// fragment as a failed stream, never as completion.
	GenerateStream(ctx context.Context, prompt string, model string, opts Options) (<-chan Fragment, error)

	// Embed generates vector embeddings for the provided inputs.
	Embed(ctx context.Context, input []string) ([][]float32, error)
}

// NewLLMProvider creates an LLM provider from configuration. Providers are
// selected once at startup; the engine never branches on provider identity.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	for _, p := range cfg.Providers {
		switch p.Type {
		case "openai":
			return NewOpenAIProvider(p), nil
		default:
			return nil, fmt.Errorf("unsupported LLM provider type: %s", p.Type)
		}
	}
	return nil, fmt.Errorf("no valid LLM providers found")
}
