// Package condensation maintains the hierarchical summary tree over a
// user's conversation history.
//
// Messages older than the hot buffer are condensed into level-1 summaries
// once enough of them accumulate; when a level's summaries outgrow the
// budget, the older half is condensed again into the next level up. The
// tree is append-only: superseded summaries are kept, and budgeted
// retrieval skips them through period-coverage checks.
package condensation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/consensus"
	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/store"
)

const (
	// recentWindow bounds how many trailing messages the hot-buffer walk
	// considers.
	recentWindow = 100

	// maxLevels caps the recursion so a pathological tree cannot loop.
	maxLevels = 10

	// previousContextCount and previousContextChars bound the prior-summary
	// context included in condensation prompts.
	previousContextCount = 3
	previousContextChars = 500

	summaryMaxTokens = 2000
)

// TokenEstimator counts tokens for budgeting decisions.
type TokenEstimator interface {
	Count(text string) int
}

// Engine drives condensation for all users. Callers must serialize runs
// per user; the engine itself holds no per-user state.
type Engine struct {
	store    store.Store
	counter  TokenEstimator
	gen      consensus.Generator
	protocol *consensus.Engine
	model    string
	cfg      config.Condensation
	logger   *slog.Logger
}

// New builds an engine. protocol may be nil; combined with
// cfg.UseConsensus it decides whether summaries go through dual-model
// consensus or a single generate call against model.
func New(st store.Store, counter TokenEstimator, gen consensus.Generator, protocol *consensus.Engine, model string, cfg config.Condensation, logger *slog.Logger) (*Engine, error) {
	if st == nil || counter == nil || gen == nil {
		return nil, fault.New(fault.KindConfig, "store, token counter and generator are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		counter:  counter,
		gen:      gen,
		protocol: protocol,
		model:    model,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// UncondensedMessages returns the messages between the latest summary's
// period end and the hot-buffer cutoff, oldest first.
func (e *Engine) UncondensedMessages(ctx context.Context, userID string) ([]schemas.Message, error) {
	recent, err := e.store.RecentMessages(ctx, userID, recentWindow)
	if err != nil {
		return nil, err
	}
	if len(recent) <= 1 {
		return nil, nil
	}

	// Walk newest to oldest, keeping messages in the hot buffer while
	// they fit the token budget.
	hotCount := 0
	hotTokens := 0
	for i := len(recent) - 1; i >= 0; i-- {
		tokens := e.counter.Count(recent[i].Content)
		if hotTokens+tokens > e.cfg.HotBufferTokens {
			break
		}
		hotCount++
		hotTokens += tokens
	}

	cutoff := time.Now().UTC()
	if hotCount > 0 {
		cutoff = recent[len(recent)-hotCount].CreatedAt
	}

	summaries, err := e.store.ListSummaries(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	var start time.Time // zero means unbounded
	for _, s := range summaries {
		if s.PeriodEnd.After(start) {
			start = s.PeriodEnd
		}
	}

	return e.store.ListMessagesInRange(ctx, userID, start, cutoff)
}

// ShouldCondense reports whether the uncondensed span has crossed the
// chunk threshold.
func (e *Engine) ShouldCondense(ctx context.Context, userID string) (bool, error) {
	uncondensed, err := e.UncondensedMessages(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(uncondensed) == 0 {
		return false, nil
	}
	total := 0
	for _, msg := range uncondensed {
		total += e.counter.Count(msg.Content)
	}
	return total >= e.cfg.ChunkThresholdTokens, nil
}

// CondenseChunk summarizes the given messages into one level-1 summary.
func (e *Engine) CondenseChunk(ctx context.Context, userID string, messages []schemas.Message) (*schemas.CondensedSummary, error) {
	if len(messages) == 0 {
		return nil, nil
	}

	periodStart := messages[0].CreatedAt
	periodEnd := messages[len(messages)-1].CreatedAt
	wordCount := 0
	for _, msg := range messages {
		wordCount += len(strings.Fields(msg.Content))
	}

	previousContext, err := e.previousContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if previousContext == "" {
		previousContext = "None (this is the first summary)"
	}

	messagesText := FormatMessages(messages)
	variables := map[string]string{
		"period_start":     periodStart.Format("2006-01-02"),
		"period_end":       periodEnd.Format("2006-01-02"),
		"message_count":    strconv.Itoa(len(messages)),
		"word_count":       strconv.Itoa(wordCount),
		"previous_context": previousContext,
		"messages":         messagesText,
		"source_data":      messagesText,
	}

	content, consensusLog, err := e.summarize(ctx, variables)
	if err != nil {
		return nil, err
	}

	summary := &schemas.CondensedSummary{
		UserID:             userID,
		Level:              1,
		Content:            content,
		PeriodStart:        periodStart,
		PeriodEnd:          periodEnd,
		SourceMessageCount: len(messages),
		SourceWordCount:    wordCount,
		SourceSummaryIDs:   []string{},
		ConsensusLog:       consensusLog,
	}
	if err := e.store.SaveSummary(ctx, summary); err != nil {
		return nil, err
	}

	e.logger.Info("condensed messages into level-1 summary",
		"user_id", userID, "messages", len(messages),
		"period_start", periodStart, "period_end", periodEnd)
	return summary, nil
}

// ShouldRecurse reports whether the given level's summaries together
// exceed the summary budget.
func (e *Engine) ShouldRecurse(ctx context.Context, userID string, level int) (bool, error) {
	summaries, err := e.store.ListSummaries(ctx, userID, &level)
	if err != nil {
		return false, err
	}
	if len(summaries) <= 1 {
		return false, nil
	}
	total := 0
	for _, s := range summaries {
		total += e.counter.Count(s.Content)
	}
	return total > e.cfg.SummaryBudgetTokens, nil
}

// CondenseSummaries folds the older half of a level's summaries into one
// summary at the next level up.
func (e *Engine) CondenseSummaries(ctx context.Context, userID string, level int) (*schemas.CondensedSummary, error) {
	summaries, err := e.store.ListSummaries(ctx, userID, &level)
	if err != nil {
		return nil, err
	}
	if len(summaries) <= 1 {
		return nil, nil
	}

	batchSize := (len(summaries) + 1) / 2
	if batchSize < 2 {
		batchSize = 2
	}
	batch := summaries[:batchSize]

	periodStart := batch[0].PeriodStart
	periodEnd := batch[len(batch)-1].PeriodEnd
	messageCount := 0
	wordCount := 0
	ids := make([]string, 0, len(batch))
	parts := make([]string, 0, len(batch))
	for _, s := range batch {
		messageCount += s.SourceMessageCount
		wordCount += s.SourceWordCount
		ids = append(ids, s.ID)
		parts = append(parts, fmt.Sprintf("[Period %s to %s, Level %d]:\n%s",
			s.PeriodStart.Format("2006-01-02"), s.PeriodEnd.Format("2006-01-02"), s.Level, s.Content))
	}
	summariesText := strings.Join(parts, "\n\n")

	variables := map[string]string{
		"period_start":     periodStart.Format("2006-01-02"),
		"period_end":       periodEnd.Format("2006-01-02"),
		"message_count":    strconv.Itoa(messageCount),
		"word_count":       strconv.Itoa(wordCount),
		"previous_context": fmt.Sprintf("Condensing %d Level %d summaries", len(batch), level),
		"messages":         summariesText,
		"source_data":      summariesText,
	}

	content, consensusLog, err := e.summarize(ctx, variables)
	if err != nil {
		return nil, err
	}

	summary := &schemas.CondensedSummary{
		UserID:             userID,
		Level:              level + 1,
		Content:            content,
		PeriodStart:        periodStart,
		PeriodEnd:          periodEnd,
		SourceMessageCount: messageCount,
		SourceWordCount:    wordCount,
		SourceSummaryIDs:   ids,
		ConsensusLog:       consensusLog,
	}
	if err := e.store.SaveSummary(ctx, summary); err != nil {
		return nil, err
	}

	e.logger.Info("condensed summaries into higher level",
		"user_id", userID, "from_level", level, "batch", len(batch))
	return summary, nil
}

// ContextSummaries selects summaries within a token budget, coarse where
// possible and fine where necessary: higher levels are taken first and a
// summary is skipped when a selected one already covers its period.
func (e *Engine) ContextSummaries(ctx context.Context, userID string, tokenBudget int) ([]schemas.CondensedSummary, error) {
	all, err := e.store.ListSummaries(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	byLevel := make(map[int][]schemas.CondensedSummary)
	maxLevel := 0
	for _, s := range all {
		byLevel[s.Level] = append(byLevel[s.Level], s)
		if s.Level > maxLevel {
			maxLevel = s.Level
		}
	}

	var selected []schemas.CondensedSummary
	budget := 0
	for level := maxLevel; level >= 1; level-- {
		for _, candidate := range byLevel[level] {
			covered := false
			for _, s := range selected {
				if s.Covers(&candidate) {
					covered = true
					break
				}
			}
			if covered {
				continue
			}
			tokens := e.counter.Count(candidate.Content)
			if budget+tokens <= tokenBudget {
				selected = append(selected, candidate)
				budget += tokens
			}
		}
	}

	sort.Slice(selected, func(i, j int) bool {
		return selected[i].PeriodStart.Before(selected[j].PeriodStart)
	})
	return selected, nil
}

// MaybeCondense runs one full condensation pass: a level-1 chunk if due,
// then the recursion cascade. Returns whether anything was produced.
func (e *Engine) MaybeCondense(ctx context.Context, userID string) (bool, error) {
	due, err := e.ShouldCondense(ctx, userID)
	if err != nil || !due {
		return false, err
	}

	uncondensed, err := e.UncondensedMessages(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(uncondensed) == 0 {
		return false, nil
	}

	if _, err := e.CondenseChunk(ctx, userID, uncondensed); err != nil {
		return false, err
	}

	for level := 1; level < maxLevels; level++ {
		recurse, err := e.ShouldRecurse(ctx, userID, level)
		if err != nil {
			return true, err
		}
		if !recurse {
			break
		}
		if _, err := e.CondenseSummaries(ctx, userID, level); err != nil {
			return true, err
		}
	}

	return true, nil
}

// summarize produces the summary body, through consensus when enabled.
func (e *Engine) summarize(ctx context.Context, variables map[string]string) (string, map[string]interface{}, error) {
	if e.cfg.UseConsensus && e.protocol != nil {
		result, err := e.protocol.Run(ctx, consensus.Request{
			PromptName:         "condensation",
			Variables:          variables,
			UseModelAOnFailure: true,
		})
		if err != nil {
			return "", nil, err
		}
		return result.FinalOutput, consensus.LogSummary(result), nil
	}

	prompt := consensus.Render(consensus.DefaultPrompts()["condensation"], variables)
	result, err := e.gen.Generate(ctx, llms.GenerateRequest{
		Prompt:      prompt,
		Model:       e.model,
		Temperature: 0.7,
		MaxTokens:   summaryMaxTokens,
	})
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(result.Content), nil, nil
}

func (e *Engine) previousContext(ctx context.Context, userID string) (string, error) {
	summaries, err := e.store.ListSummaries(ctx, userID, nil)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "", nil
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].PeriodEnd.After(summaries[j].PeriodEnd)
	})
	if len(summaries) > previousContextCount {
		summaries = summaries[:previousContextCount]
	}

	parts := make([]string, 0, len(summaries))
	for _, s := range summaries {
		body := s.Content
		if runes := []rune(body); len(runes) > previousContextChars {
			body = string(runes[:previousContextChars])
		}
		parts = append(parts, fmt.Sprintf("Previous period (%s to %s): %s...",
			s.PeriodStart.Format("2006-01-02"), s.PeriodEnd.Format("2006-01-02"), body))
	}
	return strings.Join(parts, "\n\n"), nil
}

// FormatMessages renders messages the way condensation and analysis
// prompts expect: one timestamped line per message.
func FormatMessages(messages []schemas.Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, fmt.Sprintf("[%s] %s: %s",
			msg.CreatedAt.Format("2006-01-02 15:04"), strings.ToUpper(msg.Role), msg.Content))
	}
	return strings.Join(parts, "\n\n")
}
