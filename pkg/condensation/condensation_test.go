package condensation

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/consensus"
	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/store"
)

// wordTokens counts one token per whitespace-separated word, which makes
// the budget math in these tests exact.
type wordTokens struct{}

func (wordTokens) Count(text string) int { return len(strings.Fields(text)) }

// cannedGen returns the same summary body for every generation call and
// approving reviews for review calls.
type cannedGen struct {
	summary string
	calls   int
}

func (g *cannedGen) Generate(_ context.Context, req llms.GenerateRequest) (*llms.GenerateResult, error) {
	g.calls++
	if strings.HasPrefix(req.Prompt, "Review the following analysis") {
		review, _ := json.Marshal(schemas.Review{Approved: true, Strengths: []string{"s1"}})
		return &llms.GenerateResult{Content: string(review)}, nil
	}
	return &llms.GenerateResult{Content: g.summary}, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(context.Background(), "sqlite:///"+path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEngine(t *testing.T, st store.Store, cfg config.Condensation) *Engine {
	t.Helper()
	e, err := New(st, wordTokens{}, &cannedGen{summary: "a condensed summary"}, nil, "gpt-4o", cfg, nil)
	require.NoError(t, err)
	return e
}

func seedMessages(t *testing.T, st store.Store, userID string, count, wordsPer int, base time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := st.GetOrCreateUser(ctx, userID)
	require.NoError(t, err)
	sess, err := st.CreateSession(ctx, userID, nil)
	require.NoError(t, err)

	body := strings.TrimSpace(strings.Repeat("word ", wordsPer))
	for i := 0; i < count; i++ {
		require.NoError(t, st.SaveMessage(ctx, &schemas.Message{
			SessionID: sess.ID,
			Role:      schemas.RoleUser,
			Content:   body,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestCondensationTrigger(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := config.Condensation{HotBufferTokens: 100, ChunkThresholdTokens: 200, SummaryBudgetTokens: 12000}
	e := newTestEngine(t, st, cfg)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedMessages(t, st, "u1", 20, 20, base)

	// Hot buffer holds the newest 5 messages (100 tokens); everything up
	// to and including the cutoff message is uncondensed.
	uncondensed, err := e.UncondensedMessages(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, uncondensed, 16)

	due, err := e.ShouldCondense(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, due)

	summary, err := e.CondenseChunk(ctx, "u1", uncondensed)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Level)
	assert.Equal(t, 16, summary.SourceMessageCount)
	assert.Equal(t, uncondensed[0].CreatedAt.UTC(), summary.PeriodStart.UTC())
	assert.Equal(t, uncondensed[15].CreatedAt.UTC(), summary.PeriodEnd.UTC())
	assert.Empty(t, summary.SourceSummaryIDs)

	level1 := 1
	saved, err := st.ListSummaries(ctx, "u1", &level1)
	require.NoError(t, err)
	assert.Len(t, saved, 1)
}

func TestRecursiveCondensation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := config.Condensation{HotBufferTokens: 4000, ChunkThresholdTokens: 8000, SummaryBudgetTokens: 300}
	e := newTestEngine(t, st, cfg)

	_, err := st.GetOrCreateUser(ctx, "u1")
	require.NoError(t, err)

	d := func(day int) time.Time { return time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC) }
	content := strings.TrimSpace(strings.Repeat("tok ", 100))

	var ids []string
	for i := 0; i < 5; i++ {
		s := &schemas.CondensedSummary{
			UserID: "u1", Level: 1, Content: content,
			PeriodStart: d(i*2 + 1), PeriodEnd: d(i*2 + 2),
			SourceMessageCount: 10, SourceWordCount: 500,
		}
		require.NoError(t, st.SaveSummary(ctx, s))
		ids = append(ids, s.ID)
	}

	recurse, err := e.ShouldRecurse(ctx, "u1", 1)
	require.NoError(t, err)
	assert.True(t, recurse)

	summary, err := e.CondenseSummaries(ctx, "u1", 1)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, 2, summary.Level)
	// First ceil(5/2)=3 summaries in period order fold into the batch.
	assert.Equal(t, ids[:3], summary.SourceSummaryIDs)
	assert.Equal(t, d(1), summary.PeriodStart.UTC())
	assert.Equal(t, d(6), summary.PeriodEnd.UTC())
	assert.Equal(t, 30, summary.SourceMessageCount)
}

func TestBudgetedRetrievalSkipsCoveredPeriods(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, st, config.Condensation{SummaryBudgetTokens: 12000})

	_, err := st.GetOrCreateUser(ctx, "u1")
	require.NoError(t, err)

	d := func(day int) time.Time { return time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC) }

	level1 := &schemas.CondensedSummary{
		UserID: "u1", Level: 1, Content: "fine detail",
		PeriodStart: d(1), PeriodEnd: d(3),
		SourceMessageCount: 10, SourceWordCount: 100,
	}
	level2 := &schemas.CondensedSummary{
		UserID: "u1", Level: 2, Content: "coarse view",
		PeriodStart: d(1), PeriodEnd: d(5),
		SourceMessageCount: 30, SourceWordCount: 300,
	}
	require.NoError(t, st.SaveSummary(ctx, level1))
	require.NoError(t, st.SaveSummary(ctx, level2))

	selected, err := e.ContextSummaries(ctx, "u1", 1_000_000)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, 2, selected[0].Level)
}

func TestBudgetedRetrievalRespectsBudget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, st, config.Condensation{})

	_, err := st.GetOrCreateUser(ctx, "u1")
	require.NoError(t, err)

	d := func(day int) time.Time { return time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC) }
	for i := 0; i < 3; i++ {
		require.NoError(t, st.SaveSummary(ctx, &schemas.CondensedSummary{
			UserID: "u1", Level: 1,
			Content:     strings.TrimSpace(strings.Repeat(fmt.Sprintf("w%d ", i), 10)),
			PeriodStart: d(i*2 + 1), PeriodEnd: d(i*2 + 2),
			SourceMessageCount: 5, SourceWordCount: 50,
		}))
	}

	// Budget fits two of the three 10-token summaries.
	selected, err := e.ContextSummaries(ctx, "u1", 25)
	require.NoError(t, err)
	assert.Len(t, selected, 2)
	for i := 1; i < len(selected); i++ {
		assert.True(t, selected[i-1].PeriodStart.Before(selected[i].PeriodStart))
	}
}

func TestMaybeCondense(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	cfg := config.Condensation{HotBufferTokens: 100, ChunkThresholdTokens: 200, SummaryBudgetTokens: 12000}
	e := newTestEngine(t, st, cfg)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedMessages(t, st, "u1", 20, 20, base)

	produced, err := e.MaybeCondense(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, produced)

	// The uncondensed residue is now below the threshold.
	produced, err = e.MaybeCondense(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, produced)
}

func TestCondenseChunkWithConsensus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	gen := &cannedGen{summary: "consensus summary"}
	protocol, err := consensus.New(gen, "gpt-4o", "claude-sonnet-4-20250514", 1, 1, nil)
	require.NoError(t, err)

	cfg := config.Condensation{HotBufferTokens: 100, ChunkThresholdTokens: 200, UseConsensus: true}
	e, err := New(st, wordTokens{}, gen, protocol, "gpt-4o", cfg, nil)
	require.NoError(t, err)

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedMessages(t, st, "u1", 20, 20, base)

	uncondensed, err := e.UncondensedMessages(ctx, "u1")
	require.NoError(t, err)

	summary, err := e.CondenseChunk(ctx, "u1", uncondensed)
	require.NoError(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, "consensus summary", summary.Content)
	require.NotNil(t, summary.ConsensusLog)
	assert.Equal(t, true, summary.ConsensusLog["consensus_reached"])
}

func TestFormatMessages(t *testing.T) {
	messages := []schemas.Message{
		{Role: schemas.RoleUser, Content: "hello", CreatedAt: time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)},
		{Role: schemas.RoleAgent, Content: "greetings", CreatedAt: time.Date(2025, 6, 1, 10, 31, 0, 0, time.UTC)},
	}
	got := FormatMessages(messages)
	assert.Contains(t, got, "[2025-06-01 10:30] USER: hello")
	assert.Contains(t, got, "[2025-06-01 10:31] AGENT: greetings")
}
