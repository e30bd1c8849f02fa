package vectors

import (
	"context"
	"strings"

	"github.com/aurelian-labs/aurelius/pkg/embedders"
	"github.com/aurelian-labs/aurelius/pkg/fault"
)

// Open picks the back-end from the database URL, mirroring the relational
// store: sqlite URLs get an embedded chromem store persisted next to the
// database file, postgres URLs get pgvector.
func Open(ctx context.Context, url string, embedder embedders.Embedder, persistPath string) (VectorStore, error) {
	switch {
	case strings.HasPrefix(url, "sqlite://"):
		return NewChromemStore(embedder, persistPath)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPGVectorStore(ctx, url, embedder)
	default:
		return nil, fault.New(fault.KindConfig, "unsupported database URL for vector store: %s", url)
	}
}
