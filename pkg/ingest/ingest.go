// Package ingest loads reference texts into the wisdom collections.
//
// Files are chunked on word boundaries with overlap, optionally tagged
// with classical and modern concepts by a cheap LLM call, and upserted
// into the vector store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/aurelian-labs/aurelius/pkg/config"
	"github.com/aurelian-labs/aurelius/pkg/consensus"
	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/llms"
	"github.com/aurelian-labs/aurelius/pkg/vectors"
)

const (
	taggingTemperature = 0.3
	taggingMaxTokens   = 300
)

const conceptTaggingPrompt = `Tag the following passage for retrieval.

Passage:
%s

Respond with a JSON object:
{
  "classical_tags": ["Stoic concepts named in classical terms, e.g. dichotomy of control, amor fati"],
  "modern_tags": ["the same ideas in modern psychological terms, e.g. cognitive reframing, acceptance"],
  "themes": ["broad life themes the passage speaks to, e.g. mortality, ambition, grief"]
}`

// Chunk is one ingestible piece of a source text.
type Chunk struct {
	ID      string
	Content string
	Source  string
	Author  string
	Work    string
}

// Tags are the concept labels attached to a chunk.
type Tags struct {
	ClassicalTags []string `json:"classical_tags"`
	ModernTags    []string `json:"modern_tags"`
	Themes        []string `json:"themes"`
}

// Pipeline chunks, tags and stores reference texts.
type Pipeline struct {
	vectors vectors.VectorStore
	gen     consensus.Generator
	model   string
	cfg     config.RAG
	logger  *slog.Logger
}

// New builds a pipeline. gen may be nil, which disables tagging.
func New(vs vectors.VectorStore, gen consensus.Generator, model string, cfg config.RAG, logger *slog.Logger) (*Pipeline, error) {
	if vs == nil {
		return nil, fault.New(fault.KindConfig, "vector store is required")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{vectors: vs, gen: gen, model: model, cfg: cfg, logger: logger}, nil
}

// IngestFile reads one text file into the given collection. Returns the
// number of chunks stored.
func (p *Pipeline) IngestFile(ctx context.Context, path, collection, author, work string, tag bool) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fault.Wrap(err, fault.KindConfig, "cannot read %s", path)
	}

	chunks := p.chunkText(string(data), path, author, work)
	return p.storeChunks(ctx, chunks, collection, tag)
}

// IngestDirectory walks a directory tree and ingests every .txt and .md
// file it finds.
func (p *Pipeline) IngestDirectory(ctx context.Context, dir, collection, author, work string, tag bool) (int, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return 0, fault.New(fault.KindConfig, "not a directory: %s", dir)
	}

	total := 0
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			return nil
		}
		n, err := p.IngestFile(ctx, path, collection, author, work, tag)
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, err
}

// chunkText splits on word boundaries with the configured overlap.
func (p *Pipeline) chunkText(text, source, author, work string) []Chunk {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	step := p.cfg.ChunkSize - p.cfg.ChunkOverlap
	var chunks []Chunk
	for i := 0; i < len(words); i += step {
		end := i + p.cfg.ChunkSize
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, Chunk{
			ID:      uuid.NewString(),
			Content: strings.Join(words[i:end], " "),
			Source:  source,
			Author:  author,
			Work:    work,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}

// tagChunk asks the light model for concept labels. Failures degrade to
// untagged chunks rather than aborting the import.
func (p *Pipeline) tagChunk(ctx context.Context, chunk Chunk) Tags {
	if p.gen == nil {
		return Tags{}
	}

	result, err := p.gen.Generate(ctx, llms.GenerateRequest{
		Prompt:      fmt.Sprintf(conceptTaggingPrompt, chunk.Content),
		System:      "You are tagging philosophical passages for retrieval.",
		Model:       p.model,
		Temperature: taggingTemperature,
		MaxTokens:   taggingMaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		p.logger.Warn("tagging failed", "chunk_id", chunk.ID, "error", err)
		return Tags{}
	}

	var tags Tags
	if err := json.Unmarshal([]byte(result.Content), &tags); err != nil {
		p.logger.Warn("tagging returned invalid JSON", "chunk_id", chunk.ID, "error", err)
		return Tags{}
	}
	return tags
}

func (p *Pipeline) storeChunks(ctx context.Context, chunks []Chunk, collection string, tag bool) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	req := vectors.AddRequest{Collection: collection}
	for _, chunk := range chunks {
		tags := Tags{}
		if tag {
			tags = p.tagChunk(ctx, chunk)
		}
		allTags := make([]string, 0, len(tags.ClassicalTags)+len(tags.ModernTags)+len(tags.Themes))
		allTags = append(allTags, tags.ClassicalTags...)
		allTags = append(allTags, tags.ModernTags...)
		allTags = append(allTags, tags.Themes...)

		req.IDs = append(req.IDs, chunk.ID)
		req.Documents = append(req.Documents, chunk.Content)
		req.Metadatas = append(req.Metadatas, map[string]string{
			"source":         chunk.Source,
			"author":         chunk.Author,
			"work":           chunk.Work,
			"classical_tags": strings.Join(tags.ClassicalTags, ","),
			"modern_tags":    strings.Join(tags.ModernTags, ","),
			"themes":         strings.Join(tags.Themes, ","),
			"all_tags":       strings.Join(allTags, ","),
		})
	}

	if err := p.vectors.Add(ctx, req); err != nil {
		return 0, err
	}
	return len(chunks), nil
}
