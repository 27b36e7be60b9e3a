package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/phuslu/log"
	"github.com/xhad/kbase/internal/models"
	"github.com/xhad/kbase/internal/types"
)

type VectorStoreConfig struct {
	ConnString string
	VectorDim  int
	// QueryTimeout bounds each read query.
	QueryTimeout time.Duration
}

// VectorStore persists chunks in Postgres and serves both retrieval signals:
// lexical ranking over a generated tsvector column and cosine similarity
// over a pgvector column. A document's chunk set is only ever replaced as a
// whole, inside one transaction, so search never observes a mix of old and
// new chunks.
type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
}

func NewWithConfig(config VectorStoreConfig) (*VectorStore, error) {
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = 10 * time.Second
	}

	pool, err := pgxpool.New(context.Background(), config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize() error {
	ctx := context.Background()

	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createDocuments := `
		CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT,
			category TEXT,
			tags TEXT[] NOT NULL DEFAULT '{}',
			size BIGINT,
			total_chunks INTEGER NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`

	if _, err := vs.pool.Exec(ctx, createDocuments); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}

	createChunks := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS chunks (
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			start_char INTEGER NOT NULL,
			end_char INTEGER NOT NULL,
			embedding vector(%d),
			tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			PRIMARY KEY (document_id, seq)
		)`, vs.config.VectorDim)

	if _, err := vs.pool.Exec(ctx, createChunks); err != nil {
		return fmt.Errorf("failed to create chunks table: %w", err)
	}

	createTextIndex := `
		CREATE INDEX IF NOT EXISTS chunks_tsv_idx
		ON chunks USING gin (tsv)`

	if _, err := vs.pool.Exec(ctx, createTextIndex); err != nil {
		return fmt.Errorf("failed to create text index: %w", err)
	}

	createVectorIndex := `
		CREATE INDEX IF NOT EXISTS chunks_embedding_idx
		ON chunks
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`

	if _, err := vs.pool.Exec(ctx, createVectorIndex); err != nil {
		return fmt.Errorf("failed to create vector index: %w", err)
	}

	return nil
}

// UpsertDocument replaces the full chunk set for doc inside one transaction:
// the metadata row is upserted, old chunks are deleted, and the new set is
// inserted before commit. Concurrent upserts of the same document serialize
// on the documents row; last writer wins with an internally consistent set.
func (vs *VectorStore) UpsertDocument(ctx context.Context, doc models.Document, chunks []models.Chunk) error {
	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return wrapStoreErr("upsert", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	upsertDoc := `
		INSERT INTO documents (id, name, source, category, tags, size, total_chunks, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			source = EXCLUDED.source,
			category = EXCLUDED.category,
			tags = EXCLUDED.tags,
			size = EXCLUDED.size,
			total_chunks = EXCLUDED.total_chunks,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`

	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err = tx.Exec(ctx, upsertDoc,
		doc.ID, doc.Name, doc.Source, doc.Category, tags, doc.Size,
		len(chunks), doc.Metadata, now,
	)
	if err != nil {
		return wrapStoreErr("upsert", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM chunks WHERE document_id = $1", doc.ID); err != nil {
		return wrapStoreErr("upsert", err)
	}

	batch := &pgx.Batch{}
	insertChunk := `
		INSERT INTO chunks (document_id, seq, content, start_char, end_char, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, chunk := range chunks {
		batch.Queue(insertChunk,
			chunk.DocumentID, chunk.Seq, chunk.Text,
			chunk.StartChar, chunk.EndChar,
			pgvector.NewVector(chunk.Embedding),
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return wrapStoreErr("upsert", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return wrapStoreErr("upsert", err)
	}

	log.Debug().Str("document_id", doc.ID).Int("chunks", len(chunks)).Msg("replaced chunk set")
	return nil
}

// DeleteDocument removes a document and, via the foreign key, its chunks.
func (vs *VectorStore) DeleteDocument(ctx context.Context, documentID string) error {
	tag, err := vs.pool.Exec(ctx, "DELETE FROM documents WHERE id = $1", documentID)
	if err != nil {
		return wrapStoreErr("delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("document %s: %w", documentID, types.ErrNotFound)
	}
	return nil
}

// QueryLexical returns the top lexical matches for text, scored with
// ts_rank_cd over a websearch query and min-max normalized to [0,1].
func (vs *VectorStore) QueryLexical(ctx context.Context, text string, limit int, filter types.QueryFilter) ([]types.Candidate, error) {
	query := `
		SELECT c.document_id, c.seq, c.content,
		       ts_rank_cd(c.tsv, websearch_to_tsquery('english', $1)) AS score,
		       d.name, d.category, d.tags, d.updated_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.tsv @@ websearch_to_tsquery('english', $1)`

	args := []interface{}{text}
	query, args = appendFilter(query, args, filter)
	query += fmt.Sprintf(" ORDER BY score DESC, d.updated_at DESC, c.seq ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	return vs.queryCandidates(ctx, "lexical query", query, args)
}

// QueryVector returns the top cosine-similarity matches for vector,
// min-max normalized to [0,1].
func (vs *VectorStore) QueryVector(ctx context.Context, vector []float32, limit int, filter types.QueryFilter) ([]types.Candidate, error) {
	query := `
		SELECT c.document_id, c.seq, c.content,
		       1 - (c.embedding <=> $1) AS score,
		       d.name, d.category, d.tags, d.updated_at
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NOT NULL`

	args := []interface{}{pgvector.NewVector(vector)}
	query, args = appendFilter(query, args, filter)
	query += fmt.Sprintf(" ORDER BY c.embedding <=> $1 LIMIT $%d", len(args)+1)
	args = append(args, limit)

	return vs.queryCandidates(ctx, "vector query", query, args)
}

func (vs *VectorStore) queryCandidates(ctx context.Context, op, query string, args []interface{}) ([]types.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, vs.config.QueryTimeout)
	defer cancel()

	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr(op, err)
	}
	defer rows.Close()

	var candidates []types.Candidate
	for rows.Next() {
		var (
			cand      types.Candidate
			updatedAt time.Time
		)
		err := rows.Scan(
			&cand.DocumentID, &cand.Seq, &cand.Text, &cand.Score,
			&cand.Document.Name, &cand.Document.Category,
			&cand.Document.Tags, &updatedAt,
		)
		if err != nil {
			return nil, wrapStoreErr(op, err)
		}
		cand.Document.UpdatedAt = updatedAt.UnixMilli()
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreErr(op, err)
	}

	normalizeScores(candidates)
	return candidates, nil
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func appendFilter(query string, args []interface{}, filter types.QueryFilter) (string, []interface{}) {
	if filter.Category != "" {
		args = append(args, filter.Category)
		query += fmt.Sprintf(" AND d.category = $%d", len(args))
	}
	if len(filter.Tags) > 0 {
		args = append(args, filter.Tags)
		query += fmt.Sprintf(" AND d.tags @> $%d", len(args))
	}
	return query, args
}

// normalizeScores rescales a candidate list to [0,1] with min-max
// normalization: (score-min)/(max-min). A list whose scores are all equal
// (including a single candidate) normalizes to 1.0. Fusion depends on this
// exact policy; changing it changes ranking semantics.
func normalizeScores(candidates []types.Candidate) {
	if len(candidates) == 0 {
		return
	}

	min, max := candidates[0].Score, candidates[0].Score
	for _, c := range candidates[1:] {
		if c.Score < min {
			min = c.Score
		}
		if c.Score > max {
			max = c.Score
		}
	}

	if max == min {
		for i := range candidates {
			candidates[i].Score = 1.0
		}
		return
	}

	for i := range candidates {
		candidates[i].Score = (candidates[i].Score - min) / (max - min)
	}
}

// wrapStoreErr maps connectivity loss to StoreUnavailableError so ingestion
// can retry it and search can surface it as a service failure.
func wrapStoreErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return &types.StoreUnavailableError{Op: op, Err: err}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &types.StoreUnavailableError{Op: op, Err: err}
	}

	return fmt.Errorf("%s: %w", op, err)
}
