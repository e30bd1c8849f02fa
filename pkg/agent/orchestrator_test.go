package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelian-labs/aurelius/pkg/condensation"
	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/consensus"
	"github.com/aurelian-labs/aurelius/pkg/embedders"
	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/memory"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/store"
	"github.com/aurelian-labs/aurelius/pkg/vectors"
)

// fakeLLM answers every call the pipeline makes: query expansion, the
// persona reply, consensus generation, and cross-review.
type fakeLLM struct{}

func (fakeLLM) Generate(_ context.Context, req llms.GenerateRequest) (*llms.GenerateResult, error) {
	switch {
	case strings.HasPrefix(req.Prompt, "Review the following analysis"):
		review, _ := json.Marshal(schemas.Review{Approved: true, Strengths: []string{"coherent"}})
		return &llms.GenerateResult{Content: string(review)}, nil
	case req.JSONMode:
		reply := map[string]interface{}{
			"response_text": "You control your judgment, not the storm.",
			"psych_update": map[string]interface{}{
				"detected_patterns": []string{"catastrophizing"},
				"emotional_state":   "anxious",
				"confidence":        0.8,
				"semantic_assertions": []map[string]interface{}{
					{"text": "fears public failure", "confidence": 0.75},
				},
			},
		}
		data, _ := json.Marshal(reply)
		return &llms.GenerateResult{Content: string(data)}, nil
	case req.System == "You are a search query expansion assistant.":
		return &llms.GenerateResult{Content: "storms, control, judgment"}, nil
	default:
		return &llms.GenerateResult{Content: "A disciplined, observant student."}, nil
	}
}

type wordTokens struct{}

func (wordTokens) Count(text string) int { return len(strings.Fields(text)) }

func newTestOrchestrator(t *testing.T) (*Orchestrator, store.Store, vectors.VectorStore) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, "sqlite:///"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vs, err := vectors.NewChromemStore(embedders.NewLocalEmbedder(0), "")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })

	gen := fakeLLM{}
	protocol, err := consensus.New(gen, "gpt-4o", "claude-sonnet-4-20250514", 1, 1, nil)
	require.NoError(t, err)

	condCfg := config.Condensation{HotBufferTokens: 4000, ChunkThresholdTokens: 8000, SummaryBudgetTokens: 12000}
	condenser, err := condensation.New(st, wordTokens{}, gen, protocol, "gpt-4o", condCfg, nil)
	require.NoError(t, err)

	episodic := memory.NewEpisodic(st, vs, wordTokens{}, 4000, nil)
	semantic := memory.NewSemantic(st, vs, nil)
	retriever := memory.NewRetriever(vs, gen, episodic, semantic, "gpt-4o-mini", nil)
	builder := memory.NewBuilder(st, condenser, 2000)

	brain, err := NewBrain(gen, "gpt-4o", nil)
	require.NoError(t, err)

	o, err := NewOrchestrator(st, brain, retriever, builder, condenser, semantic, episodic, protocol,
		config.Consensus{BetaThreshold: 1, MaxRounds: 1, SessionsBetweenAnalysis: 5, MinSummariesForProfile: 3, UseModelAOnFailure: true}, nil)
	require.NoError(t, err)
	o.backgroundEnabled = false
	return o, st, vs
}

func TestRespondFullTurn(t *testing.T) {
	o, st, vs := newTestOrchestrator(t)
	ctx := context.Background()

	result, err := o.Respond(ctx, "u1", "", "The storm at work is breaking me")
	require.NoError(t, err)
	assert.Equal(t, "You control your judgment, not the storm.", result.ReplyText)
	require.NotEmpty(t, result.SessionID)
	require.NotEmpty(t, result.MessageID)

	messages, err := st.ListMessages(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, schemas.RoleUser, messages[0].Role)
	assert.Equal(t, schemas.RoleAgent, messages[1].Role)
	require.NotNil(t, messages[1].PsychUpdate)
	assert.Equal(t, "anxious", messages[1].PsychUpdate.EmotionalState)

	// The assertion became an insight with a matching semantic vector.
	insights, err := st.ListInsights(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, "fears public failure", insights[0].Text)
	records, err := vs.Get(ctx, schemas.CollectionSemantic, []string{insights[0].ID})
	require.NoError(t, err)
	assert.Len(t, records, 1)

	// The raw turn landed in episodic memory keyed by the agent message.
	turns, err := vs.Get(ctx, schemas.CollectionEpisodic, []string{result.MessageID})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Document, "User: The storm at work is breaking me")
}

func TestRespondReusesSession(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	first, err := o.Respond(ctx, "u1", "", "hello")
	require.NoError(t, err)
	second, err := o.Respond(ctx, "u1", first.SessionID, "again")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
}

func TestRespondRejectsForeignSession(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	owned, err := o.Respond(ctx, "u1", "", "hello")
	require.NoError(t, err)

	_, err = o.Respond(ctx, "u2", owned.SessionID, "intruding")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestRespondRejectsEmptyText(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Respond(context.Background(), "u1", "", "   ")
	require.Error(t, err)
}

func TestAnalyzeSkippedBelowThreshold(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Respond(ctx, "u1", "", "hello")
	require.NoError(t, err)

	result, err := o.Analyze(ctx, "u1", false)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 1, result.SessionsSince)
	assert.Equal(t, 5, result.Threshold)
	assert.Nil(t, result.Profile)
}

func TestAnalyzeForced(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	turn, err := o.Respond(ctx, "u1", "", "I keep replaying old arguments")
	require.NoError(t, err)
	_, err = o.Respond(ctx, "u1", turn.SessionID, "and I cannot sleep for it")
	require.NoError(t, err)

	result, err := o.Analyze(ctx, "u1", true)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	require.NotNil(t, result.Profile)
	assert.Equal(t, 1, result.Profile.Version)
	assert.Equal(t, "A disciplined, observant student.", result.Profile.Content)
	require.NotNil(t, result.Profile.ConsensusLog)
	assert.Equal(t, true, result.Profile.ConsensusLog["consensus_reached"])

	latest, err := st.LatestProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, latest.Version)

	// Agent messages were already processed during the turn; the job
	// still marks them, but yields no duplicate insights.
	insights, err := st.ListInsights(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, insights)
}

func TestAnalyzeUnknownUser(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	_, err := o.Analyze(context.Background(), "ghost", true)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindNotFound))
}

func TestStatus(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.Respond(ctx, "u1", "", "hello")
	require.NoError(t, err)

	status, err := o.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.SessionsSince)
	assert.False(t, status.Due)
	assert.Equal(t, 0, status.ProfileVersion)

	_, err = o.Analyze(ctx, "u1", true)
	require.NoError(t, err)

	status, err = o.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ProfileVersion)
	assert.Equal(t, 0, status.SessionsSince)
}
