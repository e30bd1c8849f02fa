package vectors

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/aurelian-labs/aurelius/pkg/embedders"
	"github.com/aurelian-labs/aurelius/pkg/fault"
)

// ChromemStore is the embedded back-end. Vectors live in memory and are
// exported to a gob file after each write, so single-file deployments
// survive restarts without an external service.
type ChromemStore struct {
	db          *chromem.DB
	embedder    embedders.Embedder
	persistPath string
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromemStore opens (or creates) the embedded store. persistPath may
// be empty for a purely in-memory store, which tests use.
func NewChromemStore(embedder embedders.Embedder, persistPath string) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fault.New(fault.KindConfig, "embedder is required")
	}

	var db *chromem.DB
	if persistPath != "" {
		if _, err := os.Stat(persistPath); err == nil {
			loaded, err := chromem.NewPersistentDB(persistPath, true)
			if err != nil {
				slog.Warn("failed to load existing vector database, creating new",
					"path", persistPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	s := &ChromemStore{
		db:          db,
		embedder:    embedder,
		persistPath: persistPath,
		collections: make(map[string]*chromem.Collection),
	}

	for _, name := range Collections {
		if _, err := s.getCollection(name); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *ChromemStore) getCollection(name string) (*chromem.Collection, error) {
	s.mu.RLock()
	if col, ok := s.collections[name]; ok {
		s.mu.RUnlock()
		return col, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if col, ok := s.collections[name]; ok {
		return col, nil
	}

	// Embeddings are always pre-computed; chromem never calls this.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	col, err := s.db.GetOrCreateCollection(name, nil, identityEmbed)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "failed to get/create collection %q", name)
	}

	s.collections[name] = col
	return col, nil
}

func (s *ChromemStore) Add(ctx context.Context, req AddRequest) error {
	if len(req.IDs) != len(req.Documents) {
		return fault.New(fault.KindInternal, "ids and documents length mismatch")
	}

	col, err := s.getCollection(req.Collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(req.IDs))
	for i, id := range req.IDs {
		var embedding []float32
		if req.Embeddings != nil {
			embedding = req.Embeddings[i]
		} else {
			embedding, err = s.embedder.Embed(ctx, req.Documents[i])
			if err != nil {
				return fault.Wrap(err, fault.KindTransient, "failed to embed document")
			}
		}

		var metadata map[string]string
		if req.Metadatas != nil {
			metadata = req.Metadatas[i]
		}

		docs = append(docs, chromem.Document{
			ID:        id,
			Content:   req.Documents[i],
			Metadata:  metadata,
			Embedding: embedding,
		})
	}

	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to upsert documents")
	}

	if err := s.persist(); err != nil {
		slog.Warn("failed to persist vector database", "error", err)
	}

	return nil
}

func (s *ChromemStore) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	col, err := s.getCollection(req.Collection)
	if err != nil {
		return nil, err
	}

	embedding := req.Embedding
	if embedding == nil {
		embedding, err = s.embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindTransient, "failed to embed query")
		}
	}

	// chromem rejects nResults above the collection size.
	n := req.N
	if count := col.Count(); n > count {
		n = count
	}
	if n <= 0 {
		return &QueryResult{}, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, n, req.Where, nil)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "vector query failed")
	}

	out := &QueryResult{
		IDs:       make([]string, 0, len(results)),
		Documents: make([]string, 0, len(results)),
		Metadatas: make([]map[string]string, 0, len(results)),
		Distances: make([]float32, 0, len(results)),
	}
	for _, r := range results {
		out.IDs = append(out.IDs, r.ID)
		out.Documents = append(out.Documents, r.Content)
		out.Metadatas = append(out.Metadatas, r.Metadata)
		out.Distances = append(out.Distances, 1-r.Similarity)
	}

	return out, nil
}

func (s *ChromemStore) Get(ctx context.Context, collection string, ids []string) ([]Record, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue // absent ids are simply skipped
		}
		records = append(records, Record{
			ID:       doc.ID,
			Document: doc.Content,
			Metadata: doc.Metadata,
		})
	}

	return records, nil
}

func (s *ChromemStore) Delete(ctx context.Context, collection string, ids []string, where map[string]string) error {
	col, err := s.getCollection(collection)
	if err != nil {
		return err
	}

	if err := col.Delete(ctx, where, nil, ids...); err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to delete documents")
	}

	if err := s.persist(); err != nil {
		slog.Warn("failed to persist vector database", "error", err)
	}

	return nil
}

func (s *ChromemStore) Count(ctx context.Context, collection string) (int, error) {
	col, err := s.getCollection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

func (s *ChromemStore) Close() error {
	return s.persist()
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	//nolint:staticcheck // Export is the stable persistence entry point here
	return s.db.Export(s.persistPath, true, "")
}

var _ VectorStore = (*ChromemStore)(nil)
