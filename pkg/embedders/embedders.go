// Package embedders provides text embedding back-ends for the vector store.
package embedders

import (
	"context"

	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/llms"
)

// DefaultDimension matches compact sentence-encoder models.
const DefaultDimension = 384

// Embedder encodes text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// OpenAIEmbedder delegates to the LLM capability layer's embedding track.
type OpenAIEmbedder struct {
	client    llms.Embedder
	model     string
	dimension int
}

// NewOpenAIEmbedder wraps an embedding-capable client with a fixed model.
func NewOpenAIEmbedder(client llms.Embedder, model string, dimension int) (*OpenAIEmbedder, error) {
	if client == nil {
		return nil, fault.New(fault.KindConfig, "embedding client is required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	if dimension <= 0 {
		dimension = 1536
	}
	return &OpenAIEmbedder{client: client, model: model, dimension: dimension}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.client.Embed(ctx, text, e.model)
}

func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}
