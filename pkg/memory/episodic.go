// Package memory implements the agent's memory surfaces: episodic recall
// of past turns, semantic insights distilled from psych updates, the
// per-turn retrieval fan-out, and narrative context assembly.
package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aurelian-labs/aurelius/pkg/condensation"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/store"
	"github.com/aurelian-labs/aurelius/pkg/vectors"
)

// Episodic stores and recalls raw conversation turns.
type Episodic struct {
	store            store.Store
	vectors          vectors.VectorStore
	counter          condensation.TokenEstimator
	maxContextTokens int
	logger           *slog.Logger
}

func NewEpisodic(st store.Store, vs vectors.VectorStore, counter condensation.TokenEstimator, maxContextTokens int, logger *slog.Logger) *Episodic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Episodic{
		store:            st,
		vectors:          vs,
		counter:          counter,
		maxContextTokens: maxContextTokens,
		logger:           logger,
	}
}

// RecentContext returns the newest session messages that fit the context
// budget, oldest first. currentMessage counts against the budget without
// being included.
func (e *Episodic) RecentContext(ctx context.Context, sessionID, currentMessage string) ([]schemas.Message, error) {
	messages, err := e.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	total := 0
	if currentMessage != "" {
		total = e.counter.Count(currentMessage)
	}

	cut := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		tokens := e.counter.Count(messages[i].Content)
		if total+tokens > e.maxContextTokens {
			break
		}
		total += tokens
		cut = i
	}

	return messages[cut:], nil
}

// StoreTurn upserts one user/agent exchange into the episodic collection.
func (e *Episodic) StoreTurn(ctx context.Context, userID, sessionID, turnID, userMessage, agentResponse string) error {
	turnText := fmt.Sprintf("User: %s\nAgent: %s", userMessage, agentResponse)
	return e.vectors.Add(ctx, vectors.AddRequest{
		Collection: schemas.CollectionEpisodic,
		IDs:        []string{turnID},
		Documents:  []string{turnText},
		Metadatas: []map[string]string{{
			"user_id":    userID,
			"session_id": sessionID,
			"type":       "conversation_turn",
		}},
	})
}

// SearchPastConversations finds stored turns similar to the query,
// scoped to the user. Failures degrade to an empty result.
func (e *Episodic) SearchPastConversations(ctx context.Context, userID, query string, n int) []string {
	result, err := e.vectors.Query(ctx, vectors.QueryRequest{
		Collection: schemas.CollectionEpisodic,
		Text:       query,
		N:          n,
		Where:      map[string]string{"user_id": userID},
	})
	if err != nil {
		e.logger.Warn("episodic search failed", "user_id", userID, "error", err)
		return nil
	}
	return result.Documents
}
