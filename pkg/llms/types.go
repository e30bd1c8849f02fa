// Package llms is the provider-agnostic LLM capability layer.
//
// Components above this package never know which provider served a call;
// the model name decides routing.
package llms

import (
	"context"
)

// GenerateRequest is a single completion call.
type GenerateRequest struct {
	Prompt      string
	System      string
	Model       string
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// GenerateResult carries the completion text and, when the provider
// reports it, token usage. Nil counts mean "not reported".
type GenerateResult struct {
	Content      string
	InputTokens  *int
	OutputTokens *int
}

// Provider is one chat-completion back-end.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
	Name() string
}

// Embedder produces embedding vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string, model string) ([]float32, error)
}

func intPtr(v int) *int {
	return &v
}
