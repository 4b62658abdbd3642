// Package vectorstore persists chunk embeddings and answers nearest-neighbour
// queries by cosine distance.
package vectorstore

import (
	"cmp"
	"context"
	"errors"
	"math"
	"slices"

	"pdfchat/internal/model"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// TieEpsilon is the distance difference under which two matches are
// considered equally close.
const TieEpsilon = 1e-9

// TieSlack is how many candidates past k a store fetches before Top trims,
// so a near-tie at the k-th place is decided by CompareMatches.
const TieSlack = 8

// Scope restricts a search to a set of documents. An empty scope matches nothing.
type Scope struct {
	DocumentIDs []uint
}

func (s Scope) Empty() bool { return len(s.DocumentIDs) == 0 }

type Match struct {
	Chunk    model.Chunk
	Distance float64
}

type Store interface {
	// UpsertChunks stores chunks for one document atomically. Rows that
	// already exist for (document, chunk_order) are left untouched.
	UpsertChunks(ctx context.Context, documentID uint, chunks []model.Chunk) error
	// SimilaritySearch returns at most k matches in ascending distance.
	SimilaritySearch(ctx context.Context, query []float32, scope Scope, k int) ([]Match, error)
	ChunkOrders(ctx context.Context, documentID uint) ([]int, error)
	CountChunks(ctx context.Context, documentID uint) (int, error)
	DeleteDocument(ctx context.Context, documentID uint) error
}

// CompareMatches orders by distance, then chunk order, then document id.
func CompareMatches(a, b Match) int {
	if d := a.Distance - b.Distance; math.Abs(d) > TieEpsilon {
		if d < 0 {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.Chunk.ChunkOrder, b.Chunk.ChunkOrder); c != 0 {
		return c
	}
	return cmp.Compare(a.Chunk.DocumentID, b.Chunk.DocumentID)
}

func SortMatches(matches []Match) {
	slices.SortStableFunc(matches, CompareMatches)
}

// Top sorts matches and keeps the first k.
func Top(matches []Match, k int) []Match {
	SortMatches(matches)
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches
}

// CosineDistance returns 1 - cos(a, b). A zero vector is at distance 1 from everything.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
