package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aurelian-labs/aurelius/pkg/consensus"
	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/vectors"
)

// now is swapped out by tests.
var now = func() time.Time { return time.Now().UTC() }

// Per-source result counts for the retrieval fan-out.
const (
	stoicResults    = 3
	psychResults    = 3
	semanticResults = 5
	episodicResults = 3
)

const queryExpansionPrompt = `Expand the following message into search terms for retrieving related passages. Reply with a comma-separated list of terms only, no commentary.

Message: {user_message}`

// RetrievalContext is everything the fan-out gathered for one turn.
type RetrievalContext struct {
	ExpandedQuery  string
	RecentMessages []schemas.Message
	Episodic       []string
	Insights       []string
	StoicWisdom    []string
	Psychoanalysis []string
}

// Retriever runs the per-turn retrieval pipeline. Every vector lookup is
// best-effort: a failed source contributes an empty list, never an error.
type Retriever struct {
	vectors  vectors.VectorStore
	gen      consensus.Generator
	episodic *Episodic
	semantic *Semantic
	model    string
	logger   *slog.Logger
}

// NewRetriever wires the fan-out. model is the light model used for
// query expansion.
func NewRetriever(vs vectors.VectorStore, gen consensus.Generator, episodic *Episodic, semantic *Semantic, model string, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		vectors:  vs,
		gen:      gen,
		episodic: episodic,
		semantic: semantic,
		model:    model,
		logger:   logger,
	}
}

// Retrieve gathers recent messages and the four vector sources.
func (r *Retriever) Retrieve(ctx context.Context, userID, sessionID, userMessage string) (*RetrievalContext, error) {
	expanded := r.ExpandQuery(ctx, userMessage)

	recent, err := r.episodic.RecentContext(ctx, sessionID, userMessage)
	if err != nil {
		return nil, err
	}

	return &RetrievalContext{
		ExpandedQuery:  expanded,
		RecentMessages: recent,
		Episodic:       r.episodic.SearchPastConversations(ctx, userID, expanded, episodicResults),
		Insights:       r.semantic.RelevantInsights(ctx, userID, expanded, semanticResults),
		StoicWisdom:    r.queryCollection(ctx, schemas.CollectionStoicWisdom, expanded, stoicResults),
		Psychoanalysis: r.queryCollection(ctx, schemas.CollectionPsychoanalysis, expanded, psychResults),
	}, nil
}

// ExpandQuery asks the light model for comma-separated search terms. Any
// failure falls back to the raw message.
func (r *Retriever) ExpandQuery(ctx context.Context, userMessage string) string {
	prompt := consensus.Render(queryExpansionPrompt, map[string]string{"user_message": userMessage})

	result, err := r.gen.Generate(ctx, llms.GenerateRequest{
		Prompt:      prompt,
		System:      "You are a search query expansion assistant.",
		Model:       r.model,
		Temperature: 0.3,
		MaxTokens:   200,
	})
	if err != nil {
		r.logger.Debug("query expansion failed, using raw message", "error", err)
		return userMessage
	}

	var terms []string
	for _, term := range strings.Split(result.Content, ",") {
		if term = strings.TrimSpace(term); term != "" {
			terms = append(terms, term)
		}
	}
	if len(terms) == 0 {
		return userMessage
	}
	return strings.Join(terms, " ")
}

func (r *Retriever) queryCollection(ctx context.Context, collection, query string, n int) []string {
	result, err := r.vectors.Query(ctx, vectors.QueryRequest{
		Collection: collection,
		Text:       query,
		N:          n,
	})
	if err != nil {
		r.logger.Warn("retrieval source failed", "collection", collection, "error", err)
		return nil
	}
	return result.Documents
}
