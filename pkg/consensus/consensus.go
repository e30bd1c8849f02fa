// Package consensus implements the dual-model Aegean consensus protocol.
//
// Two models independently draft an answer to the same prompt, then each
// reviews the other's draft. Rounds repeat until both reviewers approve
// for beta consecutive rounds, or the round limit is hit. Every run is
// logged as a JSON document in the configured folder.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

const (
	generateMaxTokens = 4000
	reviewMaxTokens   = 1000
	reviewTemperature = 0.3
	defaultGenTemp    = 0.7

	// Review prompts include at most this much source material.
	sourceDataLimit = 2000
)

// Generator is the slice of the LLM layer the protocol needs.
type Generator interface {
	Generate(ctx context.Context, req llms.GenerateRequest) (*llms.GenerateResult, error)
}

// Engine runs the protocol with a fixed model pair and template set.
type Engine struct {
	gen       Generator
	modelA    string
	modelB    string
	beta      int
	maxRounds int
	prompts   map[string]string
	logFolder string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPrompts replaces the default template set.
func WithPrompts(prompts map[string]string) Option {
	return func(e *Engine) { e.prompts = prompts }
}

// WithLogFolder sets the folder consensus logs are written to. Empty
// disables logging to disk.
func WithLogFolder(folder string) Option {
	return func(e *Engine) { e.logFolder = folder }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New builds an engine. beta is the consecutive-approval threshold;
// maxRounds caps the loop and defaults to beta when zero.
func New(gen Generator, modelA, modelB string, beta, maxRounds int, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if gen == nil {
		return nil, fault.New(fault.KindConfig, "generator is required")
	}
	if beta < 1 {
		return nil, fault.New(fault.KindConfig, "beta threshold must be >= 1, got %d", beta)
	}
	if maxRounds == 0 {
		maxRounds = beta
	}
	if maxRounds < beta {
		return nil, fault.New(fault.KindConfig, "max rounds %d below beta threshold %d", maxRounds, beta)
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		gen:       gen,
		modelA:    modelA,
		modelB:    modelB,
		beta:      beta,
		maxRounds: maxRounds,
		prompts:   DefaultPrompts(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.logFolder != "" {
		if err := os.MkdirAll(e.logFolder, 0o755); err != nil {
			return nil, fault.Wrap(err, fault.KindConfig, "failed to create consensus log folder")
		}
	}

	return e, nil
}

// Request is one consensus run.
type Request struct {
	PromptName         string
	Variables          map[string]string
	Temperature        float64 // 0 means the 0.7 default
	MaxRounds          int     // 0 means the engine default
	CriticalConstructs []string
	UseModelAOnFailure bool
}

// Run executes the protocol. Exhausting the round limit is not an error;
// the result carries Reached=false and the configured fallback output.
func (e *Engine) Run(ctx context.Context, req Request) (*schemas.ConsensusResult, error) {
	template, ok := e.prompts[req.PromptName]
	if !ok {
		return nil, fault.New(fault.KindConfig, "prompt %q not found", req.PromptName)
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultGenTemp
	}
	maxRounds := req.MaxRounds
	if maxRounds == 0 {
		maxRounds = e.maxRounds
	}

	variables := make(map[string]string, len(req.Variables)+1)
	for k, v := range req.Variables {
		variables[k] = v
	}

	var (
		rounds       []schemas.ConsensusRound
		reached      bool
		finalOutput  string
		consecutive  int
		lastReviewAB schemas.Review
		lastReviewBA schemas.Review
	)

	for round := 1; round <= maxRounds; round++ {
		outA, err := e.generate(ctx, e.modelA, template, variables, temperature)
		if err != nil {
			return nil, err
		}
		outB, err := e.generate(ctx, e.modelB, template, variables, temperature)
		if err != nil {
			return nil, err
		}

		sourceData := variables["source_data"]
		reviewAB, err := e.review(ctx, e.modelA, outB, req.CriticalConstructs, sourceData)
		if err != nil {
			return nil, err
		}
		reviewBA, err := e.review(ctx, e.modelB, outA, req.CriticalConstructs, sourceData)
		if err != nil {
			return nil, err
		}
		lastReviewAB, lastReviewBA = reviewAB, reviewBA

		current := schemas.ConsensusRound{
			Round:     round,
			OutputA:   outA,
			OutputB:   outB,
			ReviewAB:  reviewAB,
			ReviewBA:  reviewBA,
			Timestamp: e.now().UTC(),
		}

		aApproves := reviewBA.Approved
		bApproves := reviewAB.Approved

		if aApproves && bApproves {
			consecutive++
			current.Reached = true
			if consecutive >= e.beta {
				reached = true
				finalOutput = mergeOutputs(outA, outB, reviewAB, reviewBA)
				rounds = append(rounds, current)
				e.logger.Info("consensus reached",
					"prompt", req.PromptName, "round", round)
				break
			}
		} else {
			consecutive = 0
		}

		rounds = append(rounds, current)

		if round < maxRounds {
			variables["previous_feedback"] = fmt.Sprintf("Feedback: %s | %s",
				reviewAB.Reasoning, reviewBA.Reasoning)
		}
	}

	if !reached {
		last := rounds[len(rounds)-1]
		if req.UseModelAOnFailure {
			e.logger.Warn("no consensus, using model A output",
				"prompt", req.PromptName, "model_a", e.modelA)
			finalOutput = last.OutputA
		} else {
			finalOutput = noConsensusDocument(e.modelA, e.modelB, last)
		}
	}

	result := &schemas.ConsensusResult{
		FinalOutput:    finalOutput,
		Reached:        reached,
		Rounds:         rounds,
		ModelA:         e.modelA,
		ModelB:         e.modelB,
		StabilityScore: stabilityScore(rounds),
		CriticalFlags:  criticalFlags(lastReviewAB, lastReviewBA, req.CriticalConstructs),
		Metadata: map[string]interface{}{
			"rounds_needed": len(rounds),
			"max_rounds":    maxRounds,
		},
	}

	e.logRun(result, req.PromptName)
	return result, nil
}

func (e *Engine) generate(ctx context.Context, model, template string, variables map[string]string, temperature float64) (string, error) {
	prompt := Render(template, variables)

	// Templates without a {previous_feedback} slot still get the
	// reviewer feedback appended, so round two can act on it.
	if feedback, ok := variables["previous_feedback"]; ok && !strings.Contains(template, "{previous_feedback}") {
		prompt += "\n\n## Previous Reviewer Feedback\n" + feedback
	}

	result, err := e.gen.Generate(ctx, llms.GenerateRequest{
		Prompt:      prompt,
		Model:       model,
		Temperature: temperature,
		MaxTokens:   generateMaxTokens,
	})
	if err != nil {
		return "", err
	}
	return result.Content, nil
}

func (e *Engine) review(ctx context.Context, model, outputToReview string, criticalConstructs []string, sourceData string) (schemas.Review, error) {
	criticalAreas := "general quality"
	if len(criticalConstructs) > 0 {
		criticalAreas = strings.Join(criticalConstructs, ", ")
	}
	source := "Not provided"
	if sourceData != "" {
		source = truncateRunes(sourceData, sourceDataLimit)
	}

	prompt := fmt.Sprintf(`Review the following analysis for accuracy and completeness.

Analysis to review:
%s

Original source data:
%s

Critical areas to check: %s

Respond with JSON:
{
  "approved": true/false,
  "strengths": ["strength 1", ...],
  "concerns": [{"issue": "...", "severity": "minor/moderate/critical"}],
  "reasoning": "Brief explanation"
}`, outputToReview, source, criticalAreas)

	result, err := e.gen.Generate(ctx, llms.GenerateRequest{
		Prompt:      prompt,
		Model:       model,
		Temperature: reviewTemperature,
		MaxTokens:   reviewMaxTokens,
	})
	if err != nil {
		return schemas.Review{}, err
	}

	return parseReview(result.Content), nil
}

// parseReview extracts the largest brace-balanced substring and decodes
// it. Anything unparseable becomes a not-approved review carrying the raw
// text as reasoning.
func parseReview(raw string) schemas.Review {
	if candidate := extractJSON(raw); candidate != "" {
		var review schemas.Review
		if err := json.Unmarshal([]byte(candidate), &review); err == nil {
			return review
		}
	}
	return schemas.Review{Approved: false, Reasoning: raw, Concerns: []schemas.ReviewConcern{}}
}

// extractJSON returns the largest brace-balanced substring of s, or "".
func extractJSON(s string) string {
	best := ""
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					candidate := s[start : i+1]
					if len(candidate) > len(best) {
						best = candidate
					}
				}
			}
		}
	}
	return best
}

// mergeOutputs picks the output whose reviewer listed more strengths,
// breaking ties toward A.
func mergeOutputs(outA, outB string, reviewAB, reviewBA schemas.Review) string {
	if len(reviewBA.Strengths) >= len(reviewAB.Strengths) {
		return outA
	}
	return outB
}

func noConsensusDocument(modelA, modelB string, last schemas.ConsensusRound) string {
	return fmt.Sprintf(`# Analysis - Manual Review Required

## Model A (%s)
%s

## Model B (%s)
%s
`, modelA, last.OutputA, modelB, last.OutputB)
}

func stabilityScore(rounds []schemas.ConsensusRound) float64 {
	if len(rounds) == 0 {
		return 0
	}
	reached := 0
	for _, r := range rounds {
		if r.Reached {
			reached++
		}
	}
	return float64(reached) / float64(len(rounds))
}

// criticalFlags scans the final round's concerns for each critical
// construct, emitting one flag per construct found.
func criticalFlags(reviewAB, reviewBA schemas.Review, constructs []string) []string {
	var flags []string
	concerns := append(append([]schemas.ReviewConcern{}, reviewAB.Concerns...), reviewBA.Concerns...)
	for _, construct := range constructs {
		needle := strings.ToLower(construct)
		for _, concern := range concerns {
			if strings.Contains(strings.ToLower(concern.Issue), needle) {
				flags = append(flags, "Critical disagreement: "+construct)
				break
			}
		}
	}
	return flags
}

// LogSummary is the compact form stored alongside profiles and summaries.
func LogSummary(result *schemas.ConsensusResult) map[string]interface{} {
	return map[string]interface{}{
		"consensus_reached": result.Reached,
		"rounds":            len(result.Rounds),
		"model_a":           result.ModelA,
		"model_b":           result.ModelB,
		"stability_score":   result.StabilityScore,
		"critical_flags":    result.CriticalFlags,
		"metadata":          result.Metadata,
	}
}

type logRecord struct {
	LogID          string                 `json:"log_id"`
	Timestamp      string                 `json:"timestamp"`
	Reached        bool                   `json:"consensus_reached"`
	Rounds         int                    `json:"rounds"`
	ModelA         string                 `json:"model_a"`
	ModelB         string                 `json:"model_b"`
	StabilityScore float64                `json:"stability_score"`
	CriticalFlags  []string               `json:"critical_flags"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// logRun writes the run summary to the log folder. Failures are logged
// and swallowed; a missing audit record never fails a run.
func (e *Engine) logRun(result *schemas.ConsensusResult, promptName string) {
	if e.logFolder == "" {
		return
	}

	ts := e.now().UTC()
	logID := fmt.Sprintf("%s_%s", promptName, ts.Format("20060102_150405"))

	record := logRecord{
		LogID:          logID,
		Timestamp:      ts.Format(time.RFC3339),
		Reached:        result.Reached,
		Rounds:         len(result.Rounds),
		ModelA:         result.ModelA,
		ModelB:         result.ModelB,
		StabilityScore: result.StabilityScore,
		CriticalFlags:  result.CriticalFlags,
		Metadata:       result.Metadata,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		e.logger.Warn("failed to encode consensus log", "error", err)
		return
	}
	path := filepath.Join(e.logFolder, logID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.logger.Warn("failed to write consensus log", "path", path, "error", err)
	}
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
