package app

import (
	"context"
	"log/slog"
	"sync"
)

// InlineQueue runs ingest jobs in-process, for deployments without a broker.
type InlineQueue struct {
	ctx    context.Context
	ingest *IngestService
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewInlineQueue(ctx context.Context, ingest *IngestService, log *slog.Logger) *InlineQueue {
	if log == nil {
		log = slog.Default()
	}
	return &InlineQueue{ctx: ctx, ingest: ingest, log: log}
}

func (q *InlineQueue) PublishIngest(_ context.Context, job IngestJob) error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if _, err := q.ingest.Ingest(q.ctx, job.DocumentID, nil); err != nil {
			q.log.Error("inline ingest failed", "job_id", job.JobID, "document_id", job.DocumentID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every published job has finished.
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}
