package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIGenerate(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		resp := openAIResponse{
			Choices: []openAIChoice{{Message: openAIMessage{Role: "assistant", Content: `{"ok":true}`}}},
			Usage:   &openAIUsage{PromptTokens: 12, CompletionTokens: 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("sk-test", WithOpenAIHost(server.URL))
	require.NoError(t, err)

	result, err := p.Generate(context.Background(), GenerateRequest{
		Prompt:      "analyze this",
		System:      "be terse",
		Model:       "gpt-4o",
		Temperature: 0.7,
		MaxTokens:   500,
		JSONMode:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, result.Content)
	require.NotNil(t, result.InputTokens)
	assert.Equal(t, 12, *result.InputTokens)
	require.NotNil(t, result.OutputTokens)
	assert.Equal(t, 5, *result.OutputTokens)

	// JSON mode uses the native response_format constraint.
	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_object", captured.ResponseFormat.Type)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "be terse", captured.Messages[0].Content)
}

func TestOpenAIGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(openAIResponse{Error: &openAIError{Message: "model not found"}})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("sk-test", WithOpenAIHost(server.URL))
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), GenerateRequest{Prompt: "x", Model: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOpenAIEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		json.NewEncoder(w).Encode(openAIEmbeddingResponse{
			Data: []openAIEmbeddingData{{Embedding: []float32{0.1, 0.2, 0.3}}},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider("sk-test", WithOpenAIHost(server.URL))
	require.NoError(t, err)

	vec, err := p.Embed(context.Background(), "hello", "text-embedding-3-small")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestNewOpenAIProviderRequiresKey(t *testing.T) {
	_, err := NewOpenAIProvider("")
	require.Error(t, err)
}
