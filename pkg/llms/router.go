package llms

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aurelian-labs/aurelius/pkg/fault"
)

// anthropicTags mark a model name as belonging to the Anthropic track.
var anthropicTags = []string{"claude", "sonnet", "opus", "haiku"}

// UsageRecorder receives per-call accounting. Satisfied by
// observability.Metrics.
type UsageRecorder interface {
	RecordLLMRequest(model string, duration time.Duration, inputTokens, outputTokens int, err error)
}

// Router selects a provider per call from the model name and logs token
// usage. It is the only Provider the rest of the runtime sees.
type Router struct {
	openai    *OpenAIProvider
	anthropic *AnthropicProvider
	logger    *slog.Logger
	metrics   UsageRecorder
}

// NewRouter builds a router over whichever providers are configured.
// At least one must be present.
func NewRouter(openai *OpenAIProvider, anthropic *AnthropicProvider, logger *slog.Logger) (*Router, error) {
	if openai == nil && anthropic == nil {
		return nil, fault.New(fault.KindConfig, "no LLM provider configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{openai: openai, anthropic: anthropic, logger: logger}, nil
}

// SetMetrics attaches a usage recorder. Must be called before the router
// is shared across goroutines.
func (r *Router) SetMetrics(m UsageRecorder) {
	r.metrics = m
}

// isAnthropicModel applies the model-name heuristic.
func isAnthropicModel(model string) bool {
	lower := strings.ToLower(model)
	for _, tag := range anthropicTags {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

// pick returns the provider for a model, falling back to whichever
// provider exists when the preferred one is not configured.
func (r *Router) pick(model string) Provider {
	if isAnthropicModel(model) {
		if r.anthropic != nil {
			return r.anthropic
		}
		return r.openai
	}
	if r.openai != nil {
		return r.openai
	}
	return r.anthropic
}

func (r *Router) Name() string {
	return "router"
}

// Generate routes the call and logs reported token usage at info level.
// Absent usage is non-fatal.
func (r *Router) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	provider := r.pick(req.Model)

	start := time.Now()
	result, err := provider.Generate(ctx, req)
	if r.metrics != nil {
		in, out := 0, 0
		if result != nil && result.InputTokens != nil {
			in = *result.InputTokens
		}
		if result != nil && result.OutputTokens != nil {
			out = *result.OutputTokens
		}
		r.metrics.RecordLLMRequest(req.Model, time.Since(start), in, out, err)
	}
	if err != nil {
		return nil, err
	}

	if result.InputTokens != nil || result.OutputTokens != nil {
		attrs := []interface{}{
			"provider", provider.Name(),
			"model", req.Model,
		}
		if result.InputTokens != nil {
			attrs = append(attrs, "input_tokens", *result.InputTokens)
		}
		if result.OutputTokens != nil {
			attrs = append(attrs, "output_tokens", *result.OutputTokens)
		}
		r.logger.Info("llm call completed", attrs...)
	}

	return result, nil
}

// Embed is OpenAI-only; Anthropic exposes no embeddings endpoint.
func (r *Router) Embed(ctx context.Context, text string, model string) ([]float32, error) {
	if r.openai == nil {
		return nil, fault.New(fault.KindConfig, "embeddings require an OpenAI provider")
	}
	return r.openai.Embed(ctx, text, model)
}
