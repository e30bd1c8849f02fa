package vectors

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/aurelian-labs/aurelius/pkg/embedders"
	"github.com/aurelian-labs/aurelius/pkg/fault"
	"github.com/aurelian-labs/aurelius/pkg/schemas"
)

const vectorQueryTimeout = 15 * time.Second

// PGVectorStore is the server back-end. With the pgvector extension
// available it uses native cosine operators and an IVFFlat index;
// without it, embeddings are stored as JSONB and scanned brute-force.
//
// Row-level security restricts episodic and semantic rows to the identity
// in the app.current_user setting; the two corpus collections stay
// world-readable.
type PGVectorStore struct {
	db           *sql.DB
	embedder     embedders.Embedder
	hasExtension bool
}

// NewPGVectorStore connects and bootstraps one table per collection.
func NewPGVectorStore(ctx context.Context, url string, embedder embedders.Embedder) (*PGVectorStore, error) {
	if embedder == nil {
		return nil, fault.New(fault.KindConfig, "embedder is required")
	}

	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindConfig, "failed to open database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fault.Wrap(err, fault.KindConfig, "failed to connect to database")
	}

	s := &PGVectorStore{db: db, embedder: embedder}

	_, err = db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`)
	s.hasExtension = err == nil

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func vectorTable(collection string) string {
	return "vec_" + collection
}

func (s *PGVectorStore) initSchema(ctx context.Context) error {
	for _, name := range Collections {
		table := vectorTable(name)

		var createSQL string
		if s.hasExtension {
			createSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    document TEXT NOT NULL,
    embedding vector(%d),
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, table, s.embedder.Dimension())
		} else {
			createSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    id TEXT PRIMARY KEY,
    document TEXT NOT NULL,
    embedding JSONB NOT NULL,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, table)
		}
		if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
			return fault.Wrap(err, fault.KindConfig, "failed to create table %s", table)
		}

		if s.hasExtension {
			indexSQL := fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS idx_%s_embedding ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
				table, table)
			if _, err := s.db.ExecContext(ctx, indexSQL); err != nil {
				return fault.Wrap(err, fault.KindConfig, "failed to create index on %s", table)
			}
		}

		if name == schemas.CollectionEpisodic || name == schemas.CollectionSemantic {
			if err := s.applyRowPolicy(ctx, table); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *PGVectorStore) applyRowPolicy(ctx context.Context, table string) error {
	statements := []string{
		fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table),
		fmt.Sprintf(`DROP POLICY IF EXISTS %s_owner ON %s`, table, table),
		fmt.Sprintf(`CREATE POLICY %s_owner ON %s
USING (metadata->>'user_id' = current_setting('app.current_user', true))`, table, table),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fault.Wrap(err, fault.KindConfig, "failed to apply row policy on %s", table)
		}
	}
	return nil
}

// vectorLiteral renders an embedding in pgvector's input syntax.
func vectorLiteral(vec []float32) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (s *PGVectorStore) Add(ctx context.Context, req AddRequest) error {
	if len(req.IDs) != len(req.Documents) {
		return fault.New(fault.KindInternal, "ids and documents length mismatch")
	}

	ctx, cancel := context.WithTimeout(ctx, vectorQueryTimeout)
	defer cancel()

	table := vectorTable(req.Collection)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

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
		if metadata == nil {
			metadata = map[string]string{}
		}
		metaJSON, merr := json.Marshal(metadata)
		if merr != nil {
			err = fault.Wrap(merr, fault.KindInternal, "failed to marshal metadata")
			return err
		}

		var embValue interface{}
		if s.hasExtension {
			embValue = vectorLiteral(embedding)
		} else {
			blob, merr := json.Marshal(embedding)
			if merr != nil {
				err = fault.Wrap(merr, fault.KindInternal, "failed to marshal embedding")
				return err
			}
			embValue = string(blob)
		}

		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (id, document, embedding, metadata) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`,
			table), id, req.Documents[i], embValue, string(metaJSON))
		if err != nil {
			err = fault.Wrap(err, fault.KindInternal, "failed to upsert vector")
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to commit")
	}
	return nil
}

// whereClause renders equality predicates over metadata as a JSONB
// containment check.
func whereClause(where map[string]string, argIndex int) (string, []interface{}) {
	if len(where) == 0 {
		return "", nil
	}
	filter, _ := json.Marshal(where)
	return fmt.Sprintf("metadata @> $%d::jsonb", argIndex), []interface{}{string(filter)}
}

func (s *PGVectorStore) Query(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, vectorQueryTimeout)
	defer cancel()

	embedding := req.Embedding
	if embedding == nil {
		var err error
		embedding, err = s.embedder.Embed(ctx, req.Text)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindTransient, "failed to embed query")
		}
	}

	if s.hasExtension {
		return s.queryNative(ctx, req, embedding)
	}
	return s.queryBruteForce(ctx, req, embedding)
}

func (s *PGVectorStore) queryNative(ctx context.Context, req QueryRequest, embedding []float32) (*QueryResult, error) {
	table := vectorTable(req.Collection)

	query := fmt.Sprintf(`SELECT id, document, metadata, embedding <=> $1 AS distance FROM %s`, table)
	args := []interface{}{vectorLiteral(embedding)}

	if clause, clauseArgs := whereClause(req.Where, 2); clause != "" {
		query += " WHERE " + clause
		args = append(args, clauseArgs...)
	}
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT %d", req.N)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "vector query failed")
	}
	defer rows.Close()

	return scanQueryRows(rows)
}

func (s *PGVectorStore) queryBruteForce(ctx context.Context, req QueryRequest, embedding []float32) (*QueryResult, error) {
	table := vectorTable(req.Collection)

	query := fmt.Sprintf(`SELECT id, document, metadata, embedding FROM %s`, table)
	var args []interface{}
	if clause, clauseArgs := whereClause(req.Where, 1); clause != "" {
		query += " WHERE " + clause
		args = clauseArgs
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "vector scan failed")
	}
	defer rows.Close()

	type scored struct {
		id       string
		document string
		metadata map[string]string
		distance float32
	}
	var candidates []scored

	for rows.Next() {
		var id, document, metaJSON, embJSON string
		if err := rows.Scan(&id, &document, &metaJSON, &embJSON); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "failed to scan vector row")
		}
		var metadata map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "corrupt metadata")
		}
		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "corrupt embedding")
		}
		candidates = append(candidates, scored{
			id: id, document: document, metadata: metadata,
			distance: cosineDistance(embedding, stored),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "vector scan failed")
	}

	// Insertion sort is fine at these sizes.
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].distance < candidates[j-1].distance; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}
	if req.N < len(candidates) {
		candidates = candidates[:req.N]
	}

	out := &QueryResult{}
	for _, c := range candidates {
		out.IDs = append(out.IDs, c.id)
		out.Documents = append(out.Documents, c.document)
		out.Metadatas = append(out.Metadatas, c.metadata)
		out.Distances = append(out.Distances, c.distance)
	}
	return out, nil
}

func scanQueryRows(rows *sql.Rows) (*QueryResult, error) {
	out := &QueryResult{}
	for rows.Next() {
		var id, document, metaJSON string
		var distance float32
		if err := rows.Scan(&id, &document, &metaJSON, &distance); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "failed to scan vector row")
		}
		var metadata map[string]string
		if err := json.Unmarshal([]byte(metaJSON), &metadata); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "corrupt metadata")
		}
		out.IDs = append(out.IDs, id)
		out.Documents = append(out.Documents, document)
		out.Metadatas = append(out.Metadatas, metadata)
		out.Distances = append(out.Distances, distance)
	}
	return out, rows.Err()
}

func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(na)*math.Sqrt(nb)))
}

func (s *PGVectorStore) Get(ctx context.Context, collection string, ids []string) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, vectorQueryTimeout)
	defer cancel()

	if len(ids) == 0 {
		return nil, nil
	}

	table := vectorTable(collection)
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}

	query := fmt.Sprintf(`SELECT id, document, metadata FROM %s WHERE id IN (%s)`,
		table, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "failed to get vectors")
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var metaJSON string
		if err := rows.Scan(&rec.ID, &rec.Document, &metaJSON); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "failed to scan vector row")
		}
		if err := json.Unmarshal([]byte(metaJSON), &rec.Metadata); err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "corrupt metadata")
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *PGVectorStore) Delete(ctx context.Context, collection string, ids []string, where map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, vectorQueryTimeout)
	defer cancel()

	table := vectorTable(collection)

	var clauses []string
	var args []interface{}

	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, id)
		}
		clauses = append(clauses, fmt.Sprintf("id IN (%s)", strings.Join(placeholders, ", ")))
	}
	if clause, clauseArgs := whereClause(where, len(args)+1); clause != "" {
		clauses = append(clauses, clause)
		args = append(args, clauseArgs...)
	}
	if len(clauses) == 0 {
		return fault.New(fault.KindInternal, "delete requires ids or a filter")
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, strings.Join(clauses, " AND "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fault.Wrap(err, fault.KindInternal, "failed to delete vectors")
	}
	return nil
}

func (s *PGVectorStore) Count(ctx context.Context, collection string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, vectorQueryTimeout)
	defer cancel()

	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, vectorTable(collection))
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fault.Wrap(err, fault.KindInternal, "failed to count vectors")
	}
	return count, nil
}

func (s *PGVectorStore) Close() error {
	return s.db.Close()
}

var _ VectorStore = (*PGVectorStore)(nil)
