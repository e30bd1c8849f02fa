package llms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelian-labs/aurelius/pkg/fault"
)

func TestIsAnthropicModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4-20250514", true},
		{"claude-3-opus", true},
		{"claude-3-5-haiku", true},
		{"Claude-Instant", true},
		{"gpt-4o", false},
		{"gpt-4o-mini", false},
		{"text-embedding-3-small", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, isAnthropicModel(tt.model))
		})
	}
}

func TestNewRouterRequiresProvider(t *testing.T) {
	_, err := NewRouter(nil, nil, nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindConfig))
}

func TestRouterPickFallsBack(t *testing.T) {
	openai, err := NewOpenAIProvider("sk-test")
	require.NoError(t, err)

	// Only OpenAI configured: anthropic models route there anyway.
	r, err := NewRouter(openai, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", r.pick("claude-sonnet-4").Name())
	assert.Equal(t, "openai", r.pick("gpt-4o").Name())
}

func TestRouterEmbedRequiresOpenAI(t *testing.T) {
	anthropic, err := NewAnthropicProvider("sk-ant-test")
	require.NoError(t, err)

	r, err := NewRouter(nil, anthropic, nil)
	require.NoError(t, err)

	_, err = r.Embed(context.Background(), "hello", "text-embedding-3-small")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindConfig))
}
