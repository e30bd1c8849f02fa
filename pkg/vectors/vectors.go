// Package vectors is the vector persistence layer.
//
// Four fixed collections hold embeddings with metadata. The back-end is
// chosen from the same database URL as the relational store: sqlite URLs
// get an embedded chromem database, postgres URLs get a pgvector-backed
// implementation. Call sites never branch on back-end.
package vectors

import (
	"context"

	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

// Collections is the fixed set created at startup.
var Collections = []string{
	schemas.CollectionEpisodic,
	schemas.CollectionSemantic,
	schemas.CollectionStoicWisdom,
	schemas.CollectionPsychoanalysis,
}

// Record is one stored vector with its document and metadata.
type Record struct {
	ID       string
	Document string
	Metadata map[string]string
}

// QueryResult holds parallel slices sorted ascending by distance.
// Distance is cosine distance, 1 - cos(a, b).
type QueryResult struct {
	IDs       []string
	Documents []string
	Metadatas []map[string]string
	Distances []float32
}

// AddRequest upserts documents by id. When Embeddings is nil the documents
// are encoded with the configured embedder. Metadatas may be nil.
type AddRequest struct {
	Collection string
	IDs        []string
	Documents  []string
	Metadatas  []map[string]string
	Embeddings [][]float32
}

// QueryRequest is a top-N similarity search. Exactly one of Text or
// Embedding must be set. Where is a conjunction of equality predicates
// over metadata keys.
type QueryRequest struct {
	Collection string
	Text       string
	Embedding  []float32
	N          int
	Where      map[string]string
}

// VectorStore is the narrow contract the retrieval pipeline depends on.
type VectorStore interface {
	Add(ctx context.Context, req AddRequest) error
	Query(ctx context.Context, req QueryRequest) (*QueryResult, error)
	Get(ctx context.Context, collection string, ids []string) ([]Record, error)
	Delete(ctx context.Context, collection string, ids []string, where map[string]string) error
	Count(ctx context.Context, collection string) (int, error)
	Close() error
}
