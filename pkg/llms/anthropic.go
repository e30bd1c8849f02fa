package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/httpclient"
)

const (
	defaultAnthropicHost    = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultTokens  = 4096
	anthropicJSONDirective  = "\n\nRespond with valid JSON only."
)

// AnthropicProvider speaks the messages API. The API has no native JSON
// response constraint, so JSON mode appends a terminal instruction instead.
type AnthropicProvider struct {
	apiKey     string
	host       string
	httpClient *httpclient.Client
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicResponse struct {
	Content []anthropicContent `json:"content"`
	Usage   *anthropicUsage    `json:"usage,omitempty"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type AnthropicOption func(*AnthropicProvider)

func WithAnthropicHost(host string) AnthropicOption {
	return func(p *AnthropicProvider) {
		p.host = host
	}
}

func WithAnthropicHTTPClient(client *httpclient.Client) AnthropicOption {
	return func(p *AnthropicProvider) {
		p.httpClient = client
	}
}

func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindConfig, "API key is required for Anthropic")
	}

	p := &AnthropicProvider{
		apiKey: apiKey,
		host:   defaultAnthropicHost,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(4*time.Second),
			httpclient.WithMaxDelay(10*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

func (p *AnthropicProvider) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	prompt := req.Prompt
	if req.JSONMode {
		prompt += anthropicJSONDirective
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultTokens
	}

	request := anthropicRequest{
		Model:       req.Model,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.System,
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, resp, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindTransient, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("anthropic", resp.StatusCode, data)
	}

	var response anthropicResponse
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fault.Wrap(err, fault.KindParse, "failed to decode response")
	}

	if response.Error != nil {
		return nil, fault.New(fault.KindInternal, "anthropic API error: %s", response.Error.Message)
	}

	var text string
	for _, content := range response.Content {
		if content.Type == "text" {
			text += content.Text
		}
	}

	result := &GenerateResult{Content: text}
	if response.Usage != nil {
		result.InputTokens = intPtr(response.Usage.InputTokens)
		result.OutputTokens = intPtr(response.Usage.OutputTokens)
	}

	return result, nil
}
