package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/httpclient"
)

const defaultOpenAIHost = "https://api.openai.com/v1"

// OpenAIProvider speaks the chat-completions and embeddings APIs.
type OpenAIProvider struct {
	apiKey     string
	host       string
	httpClient *httpclient.Client
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float64               `json:"temperature"`
	MaxTokens      *int                  `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIEmbeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openAIEmbeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type openAIEmbeddingResponse struct {
	Data  []openAIEmbeddingData `json:"data"`
	Error *openAIError          `json:"error,omitempty"`
}

type OpenAIOption func(*OpenAIProvider)

func WithOpenAIHost(host string) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.host = host
	}
}

func WithOpenAIHTTPClient(client *httpclient.Client) OpenAIOption {
	return func(p *OpenAIProvider) {
		p.httpClient = client
	}
}

func NewOpenAIProvider(apiKey string, opts ...OpenAIOption) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindConfig, "API key is required for OpenAI")
	}

	p := &OpenAIProvider{
		apiKey: apiKey,
		host:   defaultOpenAIHost,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(4*time.Second),
			httpclient.WithMaxDelay(10*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	messages := make([]openAIMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	request := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = intPtr(req.MaxTokens)
	}
	if req.JSONMode {
		request.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	var response openAIResponse
	if err := p.post(ctx, "/chat/completions", request, &response); err != nil {
		return nil, err
	}

	if response.Error != nil {
		return nil, fault.New(fault.KindInternal, "OpenAI API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return nil, fault.New(fault.KindInternal, "no response choices returned")
	}

	result := &GenerateResult{Content: response.Choices[0].Message.Content}
	if response.Usage != nil {
		result.InputTokens = intPtr(response.Usage.PromptTokens)
		result.OutputTokens = intPtr(response.Usage.CompletionTokens)
	}

	return result, nil
}

// Embed encodes a single text with the embeddings endpoint.
func (p *OpenAIProvider) Embed(ctx context.Context, text string, model string) ([]float32, error) {
	request := openAIEmbeddingRequest{Model: model, Input: []string{text}}

	var response openAIEmbeddingResponse
	if err := p.post(ctx, "/embeddings", request, &response); err != nil {
		return nil, err
	}

	if response.Error != nil {
		return nil, fault.New(fault.KindInternal, "OpenAI API error: %s", response.Error.Message)
	}
	if len(response.Data) == 0 {
		return nil, fault.New(fault.KindInternal, "no embedding returned")
	}

	return response.Data[0].Embedding, nil
}

func (p *OpenAIProvider) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+path, bytes.NewReader(payload))
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(ctx, resp, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(err, fault.KindTransient, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return statusError("openai", resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fault.Wrap(err, fault.KindParse, "failed to decode response")
	}

	return nil
}

func statusError(provider string, status int, body []byte) error {
	msg := fmt.Sprintf("%s returned HTTP %d: %s", provider, status, truncate(string(body), 200))
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fault.New(fault.KindTransient, "%s", msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fault.New(fault.KindConfig, "%s", msg)
	default:
		return fault.New(fault.KindInternal, "%s", msg)
	}
}

func classifyTransportError(ctx context.Context, resp *http.Response, err error) error {
	if ctx.Err() != nil {
		return fault.Wrap(ctx.Err(), fault.KindCancelled, "request cancelled")
	}
	if resp != nil {
		return statusError("provider", resp.StatusCode, nil)
	}
	return fault.Wrap(err, fault.KindTransient, "request failed")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
