package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/aurelian-labs/aurelius/pkg/condensation"
	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/store"
)

// defaultNarrativeTokens bounds the condensed-narrative section.
const defaultNarrativeTokens = 2000

// Builder assembles the long-horizon context sections: the latest
// profile and the budgeted condensed narrative.
type Builder struct {
	store           store.Store
	condenser       *condensation.Engine
	narrativeTokens int
}

func NewBuilder(st store.Store, condenser *condensation.Engine, narrativeTokens int) *Builder {
	if narrativeTokens <= 0 {
		narrativeTokens = defaultNarrativeTokens
	}
	return &Builder{store: st, condenser: condenser, narrativeTokens: narrativeTokens}
}

// Narrative returns the budgeted summary selection for the user.
func (b *Builder) Narrative(ctx context.Context, userID string) ([]schemas.CondensedSummary, error) {
	return b.condenser.ContextSummaries(ctx, userID, b.narrativeTokens)
}

// Profile returns the latest profile body, or "" when none exists.
func (b *Builder) Profile(ctx context.Context, userID string) (string, error) {
	profile, err := b.store.LatestProfile(ctx, userID)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			return "", nil
		}
		return "", err
	}
	return profile.Content, nil
}

// FormatNarrative renders summaries as a markdown section with period
// headers, oldest first.
func FormatNarrative(summaries []schemas.CondensedSummary) string {
	if len(summaries) == 0 {
		return ""
	}
	parts := []string{"## Historical Context (Condensed Summaries)"}
	for _, s := range summaries {
		parts = append(parts, fmt.Sprintf("\n### Period: %s to %s (Level %d, %d messages)\n%s",
			s.PeriodStart.Format("2006-01-02"), s.PeriodEnd.Format("2006-01-02"),
			s.Level, s.SourceMessageCount, s.Content))
	}
	return strings.Join(parts, "\n")
}
