// Package retriever embeds a query, searches the vector store and assembles
// the bounded context handed to the language model.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"pdfchat/internal/metrics"
	"pdfchat/internal/model"
	"pdfchat/internal/vectorstore"
)

const Separator = "\n\n---\n\n"

var (
	ErrInvalidQuery  = errors.New("invalid query")
	ErrQueryTooLong  = errors.New("query too long")
	ErrModelMismatch = errors.New("document embedded with a different model")
)

type QueryEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Documents resolves which of a user's documents can be searched.
// documentID 0 means every document the user owns.
type Documents interface {
	ListSearchable(ctx context.Context, userID, documentID uint) ([]model.Document, error)
}

type Config struct {
	Spec            model.EmbeddingSpec
	TopK            int
	MaxContextChars int
	MaxQueryChars   int
	CallTimeout     time.Duration
}

type Request struct {
	Query      string
	UserID     uint
	DocumentID uint
	// K and MaxContextChars override the configured values when positive.
	K               int
	MaxContextChars int
}

type Source struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID uint    `json:"document_id"`
	ChunkOrder int     `json:"chunk_order"`
	Page       int     `json:"page,omitempty"`
	Distance   float64 `json:"distance"`
}

type Result struct {
	Context string
	Sources []Source
}

type Retriever struct {
	store    vectorstore.Store
	docs     Documents
	embedder QueryEmbedder
	cfg      Config
	log      *slog.Logger
}

func New(store vectorstore.Store, docs Documents, embedder QueryEmbedder, cfg Config, log *slog.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 8000
	}
	if cfg.MaxQueryChars <= 0 {
		cfg.MaxQueryChars = 4000
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{store: store, docs: docs, embedder: embedder, cfg: cfg, log: log}
}

// ValidateQuery trims q and checks it is non-empty and at most maxChars runes.
func ValidateQuery(q string, maxChars int) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidQuery)
	}
	if n := utf8.RuneCountInString(q); n > maxChars {
		return "", fmt.Errorf("%w: %d characters, limit %d", ErrQueryTooLong, n, maxChars)
	}
	return q, nil
}

func (r *Retriever) MaxQueryChars() int { return r.cfg.MaxQueryChars }

func (r *Retriever) Retrieve(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	query, err := ValidateQuery(req.Query, r.cfg.MaxQueryChars)
	if err != nil {
		return Result{}, err
	}
	k := r.cfg.TopK
	if req.K > 0 {
		k = req.K
	}
	budget := r.cfg.MaxContextChars
	if req.MaxContextChars > 0 {
		budget = req.MaxContextChars
	}

	docs, err := r.docs.ListSearchable(ctx, req.UserID, req.DocumentID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve search scope failed: %w", err)
	}
	scope := vectorstore.Scope{DocumentIDs: make([]uint, 0, len(docs))}
	for i := range docs {
		if spec := docs[i].Spec(); spec != r.cfg.Spec {
			return Result{}, fmt.Errorf("%w: document %d uses %s/%d, configured %s/%d", ErrModelMismatch,
				docs[i].ID, spec.Model, spec.Dimension, r.cfg.Spec.Model, r.cfg.Spec.Dimension)
		}
		scope.DocumentIDs = append(scope.DocumentIDs, docs[i].ID)
	}
	if scope.Empty() {
		r.audit(req, query, 0, started)
		return Result{}, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	vectors, err := r.embedder.EmbedBatch(embedCtx, []string{query})
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("embed query failed: %w", err)
	}
	if len(vectors) != 1 {
		return Result{}, fmt.Errorf("embed query failed: got %d vectors", len(vectors))
	}
	if len(vectors[0]) != r.cfg.Spec.Dimension {
		return Result{}, fmt.Errorf("%w: query has %d, want %d", vectorstore.ErrDimensionMismatch, len(vectors[0]), r.cfg.Spec.Dimension)
	}

	matches, err := r.store.SimilaritySearch(ctx, vectors[0], scope, k)
	if err != nil {
		return Result{}, fmt.Errorf("similarity search failed: %w", err)
	}

	res := Assemble(matches, budget)
	metrics.RetrievalLatency.Observe(time.Since(started).Seconds())
	r.audit(req, query, len(res.Sources), started)
	return res, nil
}

// Assemble joins chunk texts in rank order until the next one would push
// the context past budget runes. That chunk and all lower-ranked ones are dropped.
func Assemble(matches []vectorstore.Match, budget int) Result {
	var (
		b    strings.Builder
		used int
		res  Result
	)
	sepLen := utf8.RuneCountInString(Separator)
	for _, m := range matches {
		need := utf8.RuneCountInString(m.Chunk.Content)
		if len(res.Sources) > 0 {
			need += sepLen
		}
		if used+need > budget {
			break
		}
		if len(res.Sources) > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(m.Chunk.Content)
		used += need
		res.Sources = append(res.Sources, Source{
			ChunkID:    m.Chunk.ID,
			DocumentID: m.Chunk.DocumentID,
			ChunkOrder: m.Chunk.ChunkOrder,
			Page:       pageOf(m.Chunk.Metadata),
			Distance:   m.Distance,
		})
	}
	res.Context = b.String()
	return res
}

func pageOf(metadata map[string]any) int {
	switch v := metadata["page"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func (r *Retriever) audit(req Request, query string, hits int, started time.Time) {
	r.log.Info("document search",
		"event", "document_search",
		"user_id", req.UserID,
		"document_id", req.DocumentID,
		"query_chars", utf8.RuneCountInString(query),
		"hits", hits,
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
}
