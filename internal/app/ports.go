package app

import (
	"context"
	"time"

	"pdfchat/internal/cache"
	"pdfchat/internal/model"
	"pdfchat/internal/retriever"
)

type UserStore interface {
	Create(ctx context.Context, user *model.User) error
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, id uint) (*model.User, error)
	TouchLogin(ctx context.Context, id uint, at time.Time) error
}

// DocumentStore lookups return (nil, nil) when nothing matches.
type DocumentStore interface {
	Create(ctx context.Context, doc *model.Document) error
	GetByID(ctx context.Context, id uint) (*model.Document, error)
	GetByIDAndUserID(ctx context.Context, id, userID uint) (*model.Document, error)
	FindByHash(ctx context.Context, userID uint, hash string) (*model.Document, error)
	ListByUserID(ctx context.Context, userID uint) ([]model.Document, error)
	MarkIngesting(ctx context.Context, id uint, chunkTotal, committed int) error
	UpdateProgress(ctx context.Context, id uint, committed int) error
	MarkReady(ctx context.Context, id uint, committed int) error
	MarkFailed(ctx context.Context, id uint, committed int, reason string) error
	MarkPending(ctx context.Context, id uint) error
	UpdateTags(ctx context.Context, id uint, tags []string) error
	DeleteByIDAndUserID(ctx context.Context, id, userID uint) error
}

type TagStore interface {
	Ensure(ctx context.Context, names []string) error
	List(ctx context.Context) ([]string, error)
}

type SessionStore interface {
	Create(ctx context.Context, session *model.ChatSession) error
	ListByUserID(ctx context.Context, userID, documentID uint) ([]model.ChatSession, error)
	GetByIDAndUserID(ctx context.Context, sessionID, userID uint) (*model.ChatSession, error)
	Touch(ctx context.Context, sessionID uint) error
	DeleteByIDAndUserID(ctx context.Context, sessionID, userID uint) error
}

type MessageStore interface {
	Create(ctx context.Context, message *model.Message) error
	ListBySessionID(ctx context.Context, sessionID uint, limit int) ([]model.Message, error)
	ListRecentBySessionID(ctx context.Context, sessionID uint, limit int) ([]model.Message, error)
	// ListAfterID pages by id: up to limit messages with id > afterID, oldest first.
	ListAfterID(ctx context.Context, sessionID, afterID uint, limit int) ([]model.Message, error)
}

type HistoryCache interface {
	GetHistory(ctx context.Context, sessionID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, sessionID uint, messages []model.Message) error
	Invalidate(ctx context.Context, sessionID uint) error
	ClearDirty(ctx context.Context, sessionID uint) error
	DeleteHistory(ctx context.Context, sessionID uint) error
}

type ProgressTracker interface {
	Report(ctx context.Context, p cache.Progress) error
	Get(ctx context.Context, documentID uint) (cache.Progress, bool, error)
	Delete(ctx context.Context, documentID uint) error
}

// IngestJob asks a worker to ingest one document.
type IngestJob struct {
	JobID      string `json:"job_id"`
	DocumentID uint   `json:"document_id"`
}

type JobQueue interface {
	PublishIngest(ctx context.Context, job IngestJob) error
}

type Retriever interface {
	Retrieve(ctx context.Context, req retriever.Request) (retriever.Result, error)
}
