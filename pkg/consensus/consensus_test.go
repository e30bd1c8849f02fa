package consensus

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

// scriptedGen replays canned outputs: generation calls consume from
// outputs, review calls from reviews, in order.
type scriptedGen struct {
	mu            sync.Mutex
	outputs       []string
	reviews       []string
	genPrompts    []string
	reviewPrompts []string
}

func (s *scriptedGen) Generate(_ context.Context, req llms.GenerateRequest) (*llms.GenerateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.HasPrefix(req.Prompt, "Review the following analysis") {
		s.reviewPrompts = append(s.reviewPrompts, req.Prompt)
		next := s.reviews[0]
		s.reviews = s.reviews[1:]
		return &llms.GenerateResult{Content: next}, nil
	}

	s.genPrompts = append(s.genPrompts, req.Prompt)
	next := s.outputs[0]
	s.outputs = s.outputs[1:]
	return &llms.GenerateResult{Content: next}, nil
}

func approvedReview(strengths ...string) string {
	review := schemas.Review{Approved: true, Strengths: strengths, Reasoning: "fine"}
	data, _ := json.Marshal(review)
	return string(data)
}

func rejectedReview(reasoning string) string {
	review := schemas.Review{Approved: false, Reasoning: reasoning, Concerns: []schemas.ReviewConcern{}}
	data, _ := json.Marshal(review)
	return string(data)
}

func newTestEngine(t *testing.T, gen Generator, beta, maxRounds int, logFolder string) *Engine {
	t.Helper()
	e, err := New(gen, "gpt-4o", "claude-sonnet-4-20250514", beta, maxRounds, nil,
		WithPrompts(map[string]string{"test": "Say something about {topic}."}),
		WithLogFolder(logFolder),
	)
	require.NoError(t, err)
	return e
}

func TestConsensusHappyPath(t *testing.T) {
	logDir := t.TempDir()
	gen := &scriptedGen{
		outputs: []string{"OK_A", "OK_B"},
		reviews: []string{
			approvedReview("s1", "s2"), // A's review of B
			approvedReview("s1"),       // B's review of A
		},
	}
	e := newTestEngine(t, gen, 1, 1, logDir)

	result, err := e.Run(context.Background(), Request{
		PromptName: "test",
		Variables:  map[string]string{"topic": "courage"},
	})
	require.NoError(t, err)

	assert.True(t, result.Reached)
	// B's reviewer listed more strengths, so B's output wins.
	assert.Equal(t, "OK_B", result.FinalOutput)
	assert.Equal(t, 1.0, result.StabilityScore)
	require.Len(t, result.Rounds, 1)
	assert.True(t, result.Rounds[0].Reached)

	files, err := os.ReadDir(logDir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].Name(), "test_"))

	data, err := os.ReadFile(filepath.Join(logDir, files[0].Name()))
	require.NoError(t, err)
	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, true, record["consensus_reached"])
	assert.EqualValues(t, 1, record["rounds"])
	assert.Equal(t, "gpt-4o", record["model_a"])
}

func TestConsensusFallbackToModelA(t *testing.T) {
	gen := &scriptedGen{
		outputs: []string{"OK_A", "OK_B", "OK_A", "OK_B"},
		reviews: []string{
			rejectedReview("too vague"), rejectedReview("misses the point"),
			rejectedReview("still vague"), rejectedReview("still off"),
		},
	}
	e := newTestEngine(t, gen, 2, 2, "")

	result, err := e.Run(context.Background(), Request{
		PromptName:         "test",
		Variables:          map[string]string{"topic": "courage"},
		UseModelAOnFailure: true,
	})
	require.NoError(t, err)

	assert.False(t, result.Reached)
	assert.Equal(t, "OK_A", result.FinalOutput)
	assert.Equal(t, 0.0, result.StabilityScore)
	assert.Len(t, result.Rounds, 2)

	// Round two generations must carry round one's reviewer feedback.
	require.Len(t, gen.genPrompts, 4)
	assert.Contains(t, gen.genPrompts[2], "too vague")
	assert.Contains(t, gen.genPrompts[2], "misses the point")
	assert.NotContains(t, gen.genPrompts[0], "too vague")
}

func TestConsensusManualReviewDocument(t *testing.T) {
	gen := &scriptedGen{
		outputs: []string{"draft A", "draft B"},
		reviews: []string{rejectedReview("no"), rejectedReview("no")},
	}
	e := newTestEngine(t, gen, 1, 1, "")

	result, err := e.Run(context.Background(), Request{
		PromptName: "test",
		Variables:  map[string]string{"topic": "courage"},
	})
	require.NoError(t, err)

	assert.False(t, result.Reached)
	assert.Contains(t, result.FinalOutput, "Manual Review Required")
	assert.Contains(t, result.FinalOutput, "draft A")
	assert.Contains(t, result.FinalOutput, "draft B")
}

func TestConsensusBetaTwoNeedsConsecutiveApprovals(t *testing.T) {
	// Round 1 approves, round 2 approves: counter hits beta=2.
	gen := &scriptedGen{
		outputs: []string{"A1", "B1", "A2", "B2"},
		reviews: []string{
			approvedReview("s1"), approvedReview("s1"),
			approvedReview("s1"), approvedReview("s1", "s2"),
		},
	}
	e := newTestEngine(t, gen, 2, 3, "")

	result, err := e.Run(context.Background(), Request{
		PromptName: "test",
		Variables:  map[string]string{"topic": "courage"},
	})
	require.NoError(t, err)

	assert.True(t, result.Reached)
	assert.Len(t, result.Rounds, 2)
	assert.Equal(t, 1.0, result.StabilityScore)
	// A's reviewer listed more strengths in the final round, so A wins.
	assert.Equal(t, "A2", result.FinalOutput)
}

func TestCriticalFlags(t *testing.T) {
	review := schemas.Review{
		Approved: true,
		Concerns: []schemas.ReviewConcern{
			{Issue: "The section on Attachment Patterns contradicts the source", Severity: schemas.SeverityCritical},
		},
	}
	reviewJSON, _ := json.Marshal(review)

	gen := &scriptedGen{
		outputs: []string{"OK_A", "OK_B"},
		reviews: []string{string(reviewJSON), approvedReview("s1")},
	}
	e := newTestEngine(t, gen, 1, 1, "")

	result, err := e.Run(context.Background(), Request{
		PromptName:         "test",
		Variables:          map[string]string{"topic": "courage"},
		CriticalConstructs: []string{"attachment patterns", "core beliefs"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"Critical disagreement: attachment patterns"}, result.CriticalFlags)
}

func TestReviewParseFallback(t *testing.T) {
	review := parseReview("I refuse to answer in JSON.")
	assert.False(t, review.Approved)
	assert.Equal(t, "I refuse to answer in JSON.", review.Reasoning)
	assert.Empty(t, review.Concerns)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"approved\": true}\n```", `{"approved": true}`},
		{"surrounded", `Here you go: {"a":{"b":2}} hope it helps`, `{"a":{"b":2}}`},
		{"largest wins", `{"a":1} and {"b":{"c":2},"d":3}`, `{"b":{"c":2},"d":3}`},
		{"brace in string", `{"a":"}"}`, `{"a":"}"}`},
		{"unbalanced", `{"a":1`, ""},
		{"no braces", "nothing here", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.in))
		})
	}
}

func TestMergeTieGoesToA(t *testing.T) {
	reviewAB := schemas.Review{Strengths: []string{"x"}}
	reviewBA := schemas.Review{Strengths: []string{"y"}}
	assert.Equal(t, "A", mergeOutputs("A", "B", reviewAB, reviewBA))
}

func TestRenderLeavesUnknownSlots(t *testing.T) {
	out := Render("Hello {name}, {missing}", map[string]string{"name": "Marcus"})
	assert.Equal(t, "Hello Marcus, {missing}", out)
}

func TestLogSummaryShape(t *testing.T) {
	result := &schemas.ConsensusResult{
		Reached:        true,
		Rounds:         []schemas.ConsensusRound{{Round: 1, Timestamp: time.Now()}},
		ModelA:         "a",
		ModelB:         "b",
		StabilityScore: 1.0,
	}
	summary := LogSummary(result)
	assert.Equal(t, true, summary["consensus_reached"])
	assert.Equal(t, 1, summary["rounds"])
}
