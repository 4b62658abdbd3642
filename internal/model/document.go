package model

import (
	"time"

	"gorm.io/datatypes"
)

type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentIngesting DocumentStatus = "ingesting"
	DocumentReady     DocumentStatus = "ready"
	DocumentFailed    DocumentStatus = "failed"
)

// PageSpan marks the rune offset in Content where a source page starts.
type PageSpan struct {
	Page  int `json:"page"`
	Start int `json:"start"`
}

// EmbeddingSpec identifies the embedding model a corpus was built with.
// Vectors produced by different specs must never be compared.
type EmbeddingSpec struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Document is an uploaded file and its ingestion state. CommittedBatches is
// the durable resume marker: batches [0, CommittedBatches) are stored.
type Document struct {
	ID               uint                          `gorm:"primaryKey" json:"id"`
	UserID           uint                          `gorm:"not null;index" json:"user_id"`
	User             *User                         `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Title            string                        `gorm:"size:256;not null" json:"title"`
	Filename         string                        `gorm:"size:256" json:"filename"`
	Content          string                        `gorm:"type:text;not null" json:"-"`
	Pages            datatypes.JSONSlice[PageSpan] `json:"-"`
	ContentHash      string                        `gorm:"size:64;index" json:"content_hash"`
	Tags             datatypes.JSONSlice[string]   `json:"tags"`
	EmbeddingModel   string                        `gorm:"size:128;not null" json:"embedding_model"`
	EmbeddingDim     int                           `gorm:"not null" json:"embedding_dim"`
	Status           DocumentStatus                `gorm:"size:16;not null;index" json:"status"`
	BatchSize        int                           `gorm:"not null" json:"batch_size"`
	CommittedBatches int                           `gorm:"not null;default:0" json:"committed_batches"`
	ChunkTotal       int                           `gorm:"not null;default:0" json:"chunk_total"`
	LastError        string                        `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt        time.Time                     `json:"created_at"`
	UpdatedAt        time.Time                     `json:"updated_at"`
}

func (d *Document) Spec() EmbeddingSpec {
	return EmbeddingSpec{Model: d.EmbeddingModel, Dimension: d.EmbeddingDim}
}

func (d *Document) Searchable() bool {
	return d.Status == DocumentReady
}

// PageAt returns the page containing rune offset pos, 1 when unknown.
func (d *Document) PageAt(pos int) int {
	page := 1
	for _, p := range d.Pages {
		if p.Start > pos {
			break
		}
		page = p.Page
	}
	return page
}
