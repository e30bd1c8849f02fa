package memory

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/store"
	"github.com/aurelian-labs/aurelius/pkg/vectors"
)

// minInsightConfidence is the floor below which assertions are dropped.
const minInsightConfidence = 0.5

// Semantic turns psych-update assertions into durable insights.
type Semantic struct {
	store   store.Store
	vectors vectors.VectorStore
	logger  *slog.Logger
}

func NewSemantic(st store.Store, vs vectors.VectorStore, logger *slog.Logger) *Semantic {
	if logger == nil {
		logger = slog.Default()
	}
	return &Semantic{store: st, vectors: vs, logger: logger}
}

// StoreAssertions persists each assertion at or above the confidence
// floor as an insight row plus a semantic vector.
func (s *Semantic) StoreAssertions(ctx context.Context, userID, sourceMessageID string, assertions []schemas.SemanticAssertion) (int, error) {
	stored := 0
	for _, assertion := range assertions {
		if assertion.Text == "" || assertion.Confidence < minInsightConfidence {
			continue
		}

		insight := &schemas.SemanticInsight{
			UserID:          userID,
			SourceMessageID: sourceMessageID,
			Text:            assertion.Text,
			Confidence:      assertion.Confidence,
		}
		if err := s.store.SaveInsight(ctx, insight); err != nil {
			return stored, err
		}

		err := s.vectors.Add(ctx, vectors.AddRequest{
			Collection: schemas.CollectionSemantic,
			IDs:        []string{insight.ID},
			Documents:  []string{assertion.Text},
			Metadatas: []map[string]string{{
				"user_id":           userID,
				"source_message_id": sourceMessageID,
				"confidence":        strconv.FormatFloat(assertion.Confidence, 'f', 2, 64),
			}},
		})
		if err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}

// ProcessUnprocessedMessages runs the extraction job: every agent message
// carrying a psych update that has not been processed yet contributes its
// assertions, then is marked processed regardless of yield.
func (s *Semantic) ProcessUnprocessedMessages(ctx context.Context, userID string) (int, error) {
	unprocessed, err := s.store.ListUnprocessedMessages(ctx, userID)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, msg := range unprocessed {
		if msg.Role == schemas.RoleAgent && msg.PsychUpdate != nil {
			if _, err := s.StoreAssertions(ctx, userID, msg.ID, msg.PsychUpdate.SemanticAssertions); err != nil {
				return processed, err
			}
			processed++
		}
		if err := s.store.MarkMessageProcessed(ctx, msg.ID, now()); err != nil {
			return processed, err
		}
	}

	return processed, nil
}

// RelevantInsights retrieves up to n insights similar to the query,
// over-fetching so low-confidence rows can be filtered out.
func (s *Semantic) RelevantInsights(ctx context.Context, userID, query string, n int) []string {
	result, err := s.vectors.Query(ctx, vectors.QueryRequest{
		Collection: schemas.CollectionSemantic,
		Text:       query,
		N:          n * 2,
		Where:      map[string]string{"user_id": userID},
	})
	if err != nil {
		s.logger.Warn("semantic search failed", "user_id", userID, "error", err)
		return nil
	}

	var filtered []string
	for i, doc := range result.Documents {
		confidence := minInsightConfidence
		if i < len(result.Metadatas) {
			if raw, ok := result.Metadatas[i]["confidence"]; ok {
				if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
					confidence = parsed
				}
			}
		}
		if confidence >= minInsightConfidence {
			filtered = append(filtered, doc)
			if len(filtered) >= n {
				break
			}
		}
	}
	return filtered
}
