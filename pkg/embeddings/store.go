package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/nous-labs/council/pkg/knowledge"
)

// DefaultDimensions matches nomic-embed-text and gemini-embedding-001.
const DefaultDimensions = 768

// Store provides pgvector-backed storage and search over knowledge chunks.
// Rows are written by an external indexer; embeddings may be filled in
// later by the BackfillWorker.
type Store struct {
	pool *pgxpool.Pool
	dims int
}

// StoredChunk is a chunk row returned by a search.
type StoredChunk struct {
	ID int64
	knowledge.Chunk
	Subject string
	Score   float64 // cosine distance for vector search, ts_rank for text search
}

// PendingChunk is a row whose embedding is missing or stale.
type PendingChunk struct {
	ID      int64
	Content string
}

// NewStore creates a new pgvector store and verifies the connection.
func NewStore(ctx context.Context, pgURL string, dims int) (*Store, error) {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	config, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres URL: %w", err)
	}

	// Register pgvector types on each new connection
	config.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{pool: pool, dims: dims}, nil
}

// Init creates the pgvector extension, the chunk table and its indexes.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id           BIGSERIAL PRIMARY KEY,
			doc_name     TEXT NOT NULL,
			source       TEXT NOT NULL,
			subject      TEXT NOT NULL DEFAULT 'general',
			page         INTEGER NOT NULL DEFAULT 0,
			content      TEXT NOT NULL,
			tsv          TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', content)) STORED,
			embedding    vector(%d),
			model_name   TEXT,
			embedded_at  TIMESTAMPTZ
		)
	`, s.dims))
	if err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}

	// HNSW index for cosine similarity search
	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_chunks_hnsw
		ON knowledge_chunks
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`); err != nil {
		return fmt.Errorf("create HNSW index: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON knowledge_chunks USING gin (tsv)`); err != nil {
		return fmt.Errorf("create full-text index: %w", err)
	}

	slog.Info("knowledge store initialized", "dimensions", s.dims)
	return nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// filterClause appends WHERE conditions for f starting at placeholder $next.
func filterClause(f knowledge.Filters, next int, args []any) (string, []any) {
	var conds []string
	if f.Subject != "" {
		conds = append(conds, fmt.Sprintf("subject = $%d", next))
		args = append(args, f.Subject)
		next++
	}
	if f.Source != "" {
		conds = append(conds, fmt.Sprintf("strpos(source, $%d) > 0", next))
		args = append(args, f.Source)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// VectorSearch returns the chunks nearest to vec by cosine distance.
func (s *Store) VectorSearch(ctx context.Context, vec []float32, limit int, f knowledge.Filters) ([]StoredChunk, error) {
	args := []any{pgvector.NewVector(vec), limit}
	where, args := filterClause(f, 3, args)
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, subject, page, content, embedding <=> $1 AS distance
		FROM knowledge_chunks
		WHERE embedding IS NOT NULL`+where+`
		ORDER BY embedding <=> $1
		LIMIT $2
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return scanChunks(rows)
}

// TextSearch ranks chunks with Postgres full-text search.
func (s *Store) TextSearch(ctx context.Context, query string, limit int, f knowledge.Filters) ([]StoredChunk, error) {
	args := []any{query, limit}
	where, args := filterClause(f, 3, args)
	rows, err := s.pool.Query(ctx, `
		SELECT id, source, subject, page, content, ts_rank(tsv, q) AS rank
		FROM knowledge_chunks, websearch_to_tsquery('english', $1) q
		WHERE tsv @@ q`+where+`
		ORDER BY rank DESC
		LIMIT $2
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	return scanChunks(rows)
}

func scanChunks(rows pgx.Rows) ([]StoredChunk, error) {
	defer rows.Close()
	var out []StoredChunk
	for rows.Next() {
		var c StoredChunk
		if err := rows.Scan(&c.ID, &c.Source, &c.Subject, &c.Page, &c.Text, &c.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Pending returns chunks with no embedding or one produced by another model.
func (s *Store) Pending(ctx context.Context, model string, limit int) ([]PendingChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, content FROM knowledge_chunks
		WHERE embedding IS NULL OR model_name IS DISTINCT FROM $1
		ORDER BY id
		LIMIT $2
	`, model, limit)
	if err != nil {
		return nil, fmt.Errorf("pending chunks: %w", err)
	}
	defer rows.Close()

	var out []PendingChunk
	for rows.Next() {
		var p PendingChunk
		if err := rows.Scan(&p.ID, &p.Content); err != nil {
			return nil, fmt.Errorf("scan pending chunk: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetEmbeddings stores embeddings for multiple chunks in a single transaction.
func (s *Store) SetEmbeddings(ctx context.Context, ids []int64, embeddings [][]float32, model string) error {
	if len(ids) != len(embeddings) {
		return fmt.Errorf("mismatched batch sizes: ids=%d embeddings=%d", len(ids), len(embeddings))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range ids {
		_, err := tx.Exec(ctx, `
			UPDATE knowledge_chunks
			SET embedding = $2, model_name = $3, embedded_at = now()
			WHERE id = $1
		`, ids[i], pgvector.NewVector(embeddings[i]), model)
		if err != nil {
			return fmt.Errorf("update embedding %d: %w", ids[i], err)
		}
	}

	return tx.Commit(ctx)
}

// Stats returns the chunk count and how many carry an embedding.
func (s *Store) Stats(ctx context.Context) (total, embedded int, err error) {
	err = s.pool.QueryRow(ctx, "SELECT COUNT(*), COUNT(embedding) FROM knowledge_chunks").Scan(&total, &embedded)
	return
}
