package vectorstore

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"pdfchat/internal/model"
)

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, CosineDistance([]float32{1, 0}, []float32{2, 0}), 1e-12)
	assert.InDelta(t, 1, CosineDistance([]float32{1, 0}, []float32{0, 3}), 1e-12)
	assert.InDelta(t, 2, CosineDistance([]float32{1, 0}, []float32{-1, 0}), 1e-12)
	assert.Equal(t, float64(1), CosineDistance([]float32{0, 0}, []float32{1, 0}))
}

func TestSortMatches_TieBreak(t *testing.T) {
	m := func(doc uint, order int, dist float64) Match {
		return Match{Chunk: model.Chunk{DocumentID: doc, ChunkOrder: order}, Distance: dist}
	}
	matches := []Match{
		m(2, 1, 0.5),
		m(1, 1, 0.5+1e-12),
		m(3, 0, 0.5),
		m(1, 9, 0.1),
		m(1, 0, 0.9),
	}
	SortMatches(matches)

	assert.Equal(t, []Match{
		m(1, 9, 0.1),
		m(3, 0, 0.5),
		m(1, 1, 0.5+1e-12),
		m(2, 1, 0.5),
		m(1, 0, 0.9),
	}, matches)
}

func TestTop_NearTieAtBoundary(t *testing.T) {
	m := func(doc uint, order int, dist float64) Match {
		return Match{Chunk: model.Chunk{DocumentID: doc, ChunkOrder: order}, Distance: dist}
	}
	// Exact-distance ordering would keep (1,7); within epsilon the lower
	// chunk order wins the last slot.
	matches := []Match{
		m(1, 2, 0.1),
		m(1, 7, 0.3),
		m(1, 4, 0.3+1e-12),
		m(2, 0, 0.6),
	}
	got := Top(matches, 2)

	assert.Equal(t, []Match{m(1, 2, 0.1), m(1, 4, 0.3+1e-12)}, got)
	assert.Empty(t, Top(nil, 3))
	assert.Len(t, Top([]Match{m(1, 0, 0.2)}, 3), 1)
}
