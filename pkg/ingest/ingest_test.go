package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/embedders"
	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
	"github.com/aurelian-labs/aurelius/pkg/vectors"
)

type taggerStub struct {
	response string
	err      error
	calls    int
}

func (s *taggerStub) Generate(_ context.Context, req llms.GenerateRequest) (*llms.GenerateResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &llms.GenerateResult{Content: s.response}, nil
}

func newTestStore(t *testing.T) vectors.VectorStore {
	t.Helper()
	vs, err := vectors.NewChromemStore(embedders.NewLocalEmbedder(0), "")
	require.NoError(t, err)
	t.Cleanup(func() { vs.Close() })
	return vs
}

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "word"
	}
	return strings.Join(parts, " ")
}

func TestChunkTextOverlap(t *testing.T) {
	vs := newTestStore(t)
	p, err := New(vs, nil, "", config.RAG{ChunkSize: 10, ChunkOverlap: 2}, nil)
	require.NoError(t, err)

	chunks := p.chunkText(words(25), "src", "a", "w")
	// step 8: [0,10) [8,18) [16,25)
	require.Len(t, chunks, 3)
	assert.Len(t, strings.Fields(chunks[0].Content), 10)
	assert.Len(t, strings.Fields(chunks[1].Content), 10)
	assert.Len(t, strings.Fields(chunks[2].Content), 9)

	assert.Empty(t, p.chunkText("   ", "src", "a", "w"))
}

func TestChunkTextShortInput(t *testing.T) {
	vs := newTestStore(t)
	p, err := New(vs, nil, "", config.RAG{ChunkSize: 500, ChunkOverlap: 50}, nil)
	require.NoError(t, err)

	chunks := p.chunkText("a short passage", "src", "a", "w")
	require.Len(t, chunks, 1)
	assert.Equal(t, "a short passage", chunks[0].Content)
}

func TestIngestFileWithTagging(t *testing.T) {
	vs := newTestStore(t)
	gen := &taggerStub{response: `{"classical_tags":["dichotomy of control"],"modern_tags":["acceptance"],"themes":["adversity"]}`}
	p, err := New(vs, gen, "gpt-4o-mini", config.RAG{ChunkSize: 500, ChunkOverlap: 50}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "meditations.txt")
	require.NoError(t, os.WriteFile(path, []byte("You have power over your mind, not outside events."), 0o644))

	ctx := context.Background()
	n, err := p.IngestFile(ctx, path, schemas.CollectionStoicWisdom, "Marcus Aurelius", "Meditations", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, gen.calls)

	count, err := vs.Count(ctx, schemas.CollectionStoicWisdom)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	result, err := vs.Query(ctx, vectors.QueryRequest{
		Collection: schemas.CollectionStoicWisdom,
		Text:       "power over your mind",
		N:          1,
	})
	require.NoError(t, err)
	require.Len(t, result.IDs, 1)
	meta := result.Metadatas[0]
	assert.Equal(t, "Marcus Aurelius", meta["author"])
	assert.Equal(t, "Meditations", meta["work"])
	assert.Equal(t, "dichotomy of control", meta["classical_tags"])
	assert.Equal(t, "dichotomy of control,acceptance,adversity", meta["all_tags"])
}

func TestTaggingFailureDegradesToUntagged(t *testing.T) {
	vs := newTestStore(t)
	gen := &taggerStub{response: "not json"}
	p, err := New(vs, gen, "gpt-4o-mini", config.RAG{ChunkSize: 500}, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "letters.txt")
	require.NoError(t, os.WriteFile(path, []byte("We suffer more often in imagination than in reality."), 0o644))

	n, err := p.IngestFile(context.Background(), path, schemas.CollectionStoicWisdom, "Seneca", "Letters", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestIngestDirectory(t *testing.T) {
	vs := newTestStore(t)
	p, err := New(vs, nil, "", config.RAG{ChunkSize: 500}, nil)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("first text"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "two.md"), []byte("second text"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.pdf"), []byte("binary"), 0o644))

	n, err := p.IngestDirectory(context.Background(), dir, schemas.CollectionPsychoanalysis, "Freud", "Papers", false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = p.IngestDirectory(context.Background(), filepath.Join(dir, "one.txt"), schemas.CollectionPsychoanalysis, "", "", false)
	require.Error(t, err)
}

func TestSeedHighlights(t *testing.T) {
	vs := newTestStore(t)
	p, err := New(vs, nil, "", config.RAG{ChunkSize: 500}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	n, err := p.SeedHighlights(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 25, n)

	count, err := vs.Count(ctx, schemas.CollectionStoicWisdom)
	require.NoError(t, err)
	assert.Equal(t, 25, count)

	result, err := vs.Query(ctx, vectors.QueryRequest{
		Collection: schemas.CollectionStoicWisdom,
		Text:       "things in our control",
		N:          3,
		Where:      map[string]string{"author": "Epictetus"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Documents)
	for _, meta := range result.Metadatas {
		assert.Equal(t, "Epictetus", meta["author"])
	}
}
