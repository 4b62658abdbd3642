// Package pgvector stores chunk embeddings in PostgreSQL using the vector extension.
package pgvector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"pdfchat/internal/model"
	"pdfchat/internal/vectorstore"
)

type Store struct {
	pool *pgxpool.Pool
	dim  int
	log  *slog.Logger
	// iterative is set when the extension can keep scanning the HNSW index
	// until a filtered query has enough rows (pgvector 0.8+).
	iterative bool
}

var _ vectorstore.Store = (*Store)(nil)

// New creates the vector extension if needed, then opens a pool whose
// connections know the vector type.
func New(ctx context.Context, dsn string, dim int, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres failed: %w", err)
	}
	var version string
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err == nil {
		err = conn.QueryRow(ctx, "SELECT extversion FROM pg_extension WHERE extname = 'vector'").Scan(&version)
	}
	_ = conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("create vector extension failed: %w", err)
	}
	log.Info("vector extension ready", "version", version)

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn failed: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres failed: %w", err)
	}
	return &Store{pool: pool, dim: dim, log: log, iterative: supportsIterativeScan(version)}, nil
}

// EnsureSchema creates the chunk table and its indexes. The documents table
// must already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS document_chunks (
		id BIGSERIAL PRIMARY KEY,
		document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
		chunk_order INT NOT NULL,
		content TEXT NOT NULL CHECK (content <> ''),
		embedding vector(%d) NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (document_id, chunk_order)
	);

	CREATE INDEX IF NOT EXISTS idx_document_chunks_embedding
		ON document_chunks USING hnsw (embedding vector_cosine_ops);
	`, s.dim)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create document_chunks failed: %w", err)
	}
	return nil
}

func (s *Store) UpsertChunks(ctx context.Context, documentID uint, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	for _, c := range chunks {
		if len(c.Embedding) != s.dim {
			return fmt.Errorf("%w: chunk %d has %d, want %d", vectorstore.ErrDimensionMismatch, c.ChunkOrder, len(c.Embedding), s.dim)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin chunk tx failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, c := range chunks {
		metadata := c.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		batch.Queue(`
		INSERT INTO document_chunks (document_id, chunk_order, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, chunk_order) DO NOTHING`,
			documentID, c.ChunkOrder, c.Content, pgvector.NewVector(c.Embedding), metadata)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit chunks failed: %w", err)
	}
	return nil
}

func (s *Store) SimilaritySearch(ctx context.Context, query []float32, scope vectorstore.Scope, k int) ([]vectorstore.Match, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, want %d", vectorstore.ErrDimensionMismatch, len(query), s.dim)
	}
	if k <= 0 || scope.Empty() {
		return nil, nil
	}

	ids := make([]int64, len(scope.DocumentIDs))
	for i, id := range scope.DocumentIDs {
		ids[i] = int64(id)
	}

	// The inner ORDER BY is the bare distance so the HNSW index can serve
	// it. A few extra candidates cover near-ties at the k-th place before
	// the stable tie-break runs in Go.
	n := k + vectorstore.TieSlack
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, stmt := range s.scanSettings(n) {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("similarity search settings failed: %w", err)
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT id, document_id, chunk_order, content, metadata, created_at, distance
		FROM (
			SELECT id, document_id, chunk_order, content, metadata, created_at,
			       embedding <=> $1 AS distance
			FROM document_chunks
			WHERE document_id = ANY($2)
			ORDER BY embedding <=> $1
			LIMIT $3
		) candidates`,
		pgvector.NewVector(query), ids, n)
	if err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	var matches []vectorstore.Match
	for rows.Next() {
		var (
			m     vectorstore.Match
			docID int64
		)
		if err := rows.Scan(&m.Chunk.ID, &docID, &m.Chunk.ChunkOrder, &m.Chunk.Content,
			&m.Chunk.Metadata, &m.Chunk.CreatedAt, &m.Distance); err != nil {
			return nil, fmt.Errorf("scan match failed: %w", err)
		}
		m.Chunk.DocumentID = uint(docID)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	candidates := len(matches)
	matches = vectorstore.Top(matches, k)
	s.log.Debug("similarity search", "documents", len(ids), "k", k, "candidates", candidates, "hits", len(matches), "iterative", s.iterative)
	return matches, nil
}

// scanSettings returns the SET LOCAL statements for one search. Without
// iterative scans a filtered HNSW scan can come back short, so the planner
// is steered to the exact scan instead.
func (s *Store) scanSettings(n int) []string {
	if !s.iterative {
		return []string{"SET LOCAL enable_indexscan = off"}
	}
	return []string{
		"SET LOCAL hnsw.iterative_scan = strict_order",
		fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", min(max(n, 40), 1000)),
	}
}

func supportsIterativeScan(version string) bool {
	var major, minor int
	if _, err := fmt.Sscanf(version, "%d.%d", &major, &minor); err != nil {
		return false
	}
	return major > 0 || minor >= 8
}

func (s *Store) ChunkOrders(ctx context.Context, documentID uint) ([]int, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT chunk_order FROM document_chunks WHERE document_id = $1 ORDER BY chunk_order", documentID)
	if err != nil {
		return nil, fmt.Errorf("list chunk orders failed: %w", err)
	}
	orders, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("list chunk orders failed: %w", err)
	}
	return orders, nil
}

func (s *Store) CountChunks(ctx context.Context, documentID uint) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, "SELECT count(*) FROM document_chunks WHERE document_id = $1", documentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chunks failed: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteDocument(ctx context.Context, documentID uint) error {
	if _, err := s.pool.Exec(ctx, "DELETE FROM document_chunks WHERE document_id = $1", documentID); err != nil {
		return fmt.Errorf("delete chunks failed: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
