// Package memory is an in-process vector store using brute-force search.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"pdfchat/internal/model"
	"pdfchat/internal/vectorstore"
)

type Store struct {
	dim int

	mu     sync.RWMutex
	nextID int64
	docs   map[uint][]model.Chunk // sorted by ChunkOrder
}

var _ vectorstore.Store = (*Store)(nil)

func New(dim int) *Store {
	return &Store{dim: dim, docs: make(map[uint][]model.Chunk)}
}

func (s *Store) UpsertChunks(ctx context.Context, documentID uint, chunks []model.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range chunks {
		if len(c.Embedding) != s.dim {
			return fmt.Errorf("%w: chunk %d has %d, want %d", vectorstore.ErrDimensionMismatch, c.ChunkOrder, len(c.Embedding), s.dim)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.docs[documentID]
	merged := slices.Clone(existing)
	now := time.Now()
	for _, c := range chunks {
		_, found := slices.BinarySearchFunc(merged, c.ChunkOrder, func(e model.Chunk, order int) int {
			return e.ChunkOrder - order
		})
		if found {
			continue
		}
		s.nextID++
		c.ID = s.nextID
		c.DocumentID = documentID
		c.Embedding = slices.Clone(c.Embedding)
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		merged = append(merged, c)
		slices.SortFunc(merged, func(a, b model.Chunk) int { return a.ChunkOrder - b.ChunkOrder })
	}
	s.docs[documentID] = merged
	return nil
}

func (s *Store) SimilaritySearch(ctx context.Context, query []float32, scope vectorstore.Scope, k int) ([]vectorstore.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d, want %d", vectorstore.ErrDimensionMismatch, len(query), s.dim)
	}
	if k <= 0 || scope.Empty() {
		return nil, nil
	}

	ids := slices.Clone(scope.DocumentIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	s.mu.RLock()
	var matches []vectorstore.Match
	for _, id := range ids {
		for _, c := range s.docs[id] {
			matches = append(matches, vectorstore.Match{Chunk: c, Distance: vectorstore.CosineDistance(query, c.Embedding)})
		}
	}
	s.mu.RUnlock()

	return vectorstore.Top(matches, k), nil
}

func (s *Store) ChunkOrders(_ context.Context, documentID uint) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := s.docs[documentID]
	orders := make([]int, len(chunks))
	for i, c := range chunks {
		orders[i] = c.ChunkOrder
	}
	return orders, nil
}

func (s *Store) CountChunks(_ context.Context, documentID uint) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[documentID]), nil
}

func (s *Store) DeleteDocument(_ context.Context, documentID uint) error {
	s.mu.Lock()
	delete(s.docs, documentID)
	s.mu.Unlock()
	return nil
}

// Chunks returns a copy of a document's stored chunks in order.
func (s *Store) Chunks(documentID uint) []model.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.docs[documentID])
}
