package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// Progress is the last reported ingestion state of a document.
type Progress struct {
	DocumentID uint   `json:"document_id"`
	Status     string `json:"status"`
	Processed  int    `json:"processed"`
	Total      int    `json:"total"`
	Batch      int    `json:"batch"`
	Error      string `json:"error,omitempty"`
}

// ProgressTracker stores ingestion progress in a redis hash per document.
type ProgressTracker struct {
	client redisv9.Cmdable
	ttl    time.Duration
}

func NewProgressTracker(client redisv9.Cmdable, ttl time.Duration) *ProgressTracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProgressTracker{client: client, ttl: ttl}
}

func (t *ProgressTracker) Report(ctx context.Context, p Progress) error {
	key := t.key(p.DocumentID)
	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"status":    p.Status,
		"processed": p.Processed,
		"total":     p.Total,
		"batch":     p.Batch,
		"error":     p.Error,
	})
	pipe.Expire(ctx, key, t.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis report progress failed: %w", err)
	}
	return nil
}

// Get reports ok=false when nothing was recorded for the document.
func (t *ProgressTracker) Get(ctx context.Context, documentID uint) (Progress, bool, error) {
	fields, err := t.client.HGetAll(ctx, t.key(documentID)).Result()
	if errors.Is(err, redisv9.Nil) || (err == nil && len(fields) == 0) {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, fmt.Errorf("redis get progress failed: %w", err)
	}

	p := Progress{DocumentID: documentID, Status: fields["status"], Error: fields["error"]}
	p.Processed, _ = strconv.Atoi(fields["processed"])
	p.Total, _ = strconv.Atoi(fields["total"])
	p.Batch, _ = strconv.Atoi(fields["batch"])
	return p, true, nil
}

func (t *ProgressTracker) Delete(ctx context.Context, documentID uint) error {
	if err := t.client.Del(ctx, t.key(documentID)).Err(); err != nil {
		return fmt.Errorf("redis delete progress failed: %w", err)
	}
	return nil
}

func (t *ProgressTracker) key(documentID uint) string {
	return fmt.Sprintf("ingest:progress:%d", documentID)
}
