package model

import "time"

// Chunk is a contiguous segment of a document's text with its embedding.
// ChunkOrder is 0-based and unique within a document.
type Chunk struct {
	ID         int64          `json:"id"`
	DocumentID uint           `json:"document_id"`
	ChunkOrder int            `json:"chunk_order"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
