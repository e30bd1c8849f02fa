package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicGenerate(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		resp := anthropicResponse{
			Content: []anthropicContent{{Type: "text", Text: "Virtue is the only good."}},
			Usage:   &anthropicUsage{InputTokens: 30, OutputTokens: 8},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("sk-ant-test", WithAnthropicHost(server.URL))
	require.NoError(t, err)

	result, err := p.Generate(context.Background(), GenerateRequest{
		Prompt:      "review this output",
		System:      "you are a reviewer",
		Model:       "claude-sonnet-4-20250514",
		Temperature: 0.3,
		MaxTokens:   1000,
		JSONMode:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Virtue is the only good.", result.Content)
	require.NotNil(t, result.InputTokens)
	assert.Equal(t, 30, *result.InputTokens)

	// No native JSON constraint: the directive is appended to the prompt.
	assert.True(t, strings.HasSuffix(captured.Messages[0].Content, "Respond with valid JSON only."))
	assert.Equal(t, "you are a reviewer", captured.System)
	assert.Equal(t, 1000, captured.MaxTokens)
}

func TestAnthropicGenerateNoJSONMode(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(anthropicResponse{
			Content: []anthropicContent{{Type: "text", Text: "ok"}},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider("sk-ant-test", WithAnthropicHost(server.URL))
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), GenerateRequest{Prompt: "hello", Model: "claude-3-opus"})
	require.NoError(t, err)

	assert.Equal(t, "hello", captured.Messages[0].Content)
	// max_tokens is mandatory on this API
	assert.Equal(t, anthropicDefaultTokens, captured.MaxTokens)
}

func TestNewAnthropicProviderRequiresKey(t *testing.T) {
	_, err := NewAnthropicProvider("")
	require.Error(t, err)
}
