package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"pdfchat/internal/app"
	"pdfchat/internal/model"
	"pdfchat/internal/platform/rabbitmq"
)

type Ingester interface {
	Ingest(ctx context.Context, documentID uint, onProgress app.ProgressFunc) (*model.Document, error)
}

type outcome int

const (
	ack outcome = iota
	requeue
	drop
)

// IngestWorker consumes ingest jobs. Failures are recorded on the document
// by the ingester, so a failed job is still acknowledged. Jobs interrupted
// by shutdown go back on the queue.
type IngestWorker struct {
	conn        *amqp.Connection
	ingester    Ingester
	queueName   string
	concurrency int
	log         *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, ingester Ingester, queueName string, concurrency int, log *slog.Logger) *IngestWorker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &IngestWorker{
		conn:        conn,
		ingester:    ingester,
		queueName:   queueName,
		concurrency: concurrency,
		log:         log.With("component", "ingest_worker"),
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}
	if err := rabbitmq.DeclareQueue(ch, w.queueName); err != nil {
		_ = ch.Close()
		cancel()
		return err
	}
	if err := ch.Qos(w.concurrency, 0, false); err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("set worker qos failed: %w", err)
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	var consumers sync.WaitGroup
	for range w.concurrency {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			w.consume(workerCtx, deliveries)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		consumers.Wait()
		_ = ch.Close()
	}()

	w.log.Info("ingest worker started", "queue", w.queueName, "concurrency", w.concurrency)
	return nil
}

func (w *IngestWorker) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			switch w.handle(ctx, d.Body) {
			case ack:
				_ = d.Ack(false)
			case requeue:
				_ = d.Nack(false, true)
			case drop:
				_ = d.Nack(false, false)
			}
		}
	}
}

func (w *IngestWorker) handle(ctx context.Context, body []byte) outcome {
	var job app.IngestJob
	if err := json.Unmarshal(body, &job); err != nil || job.DocumentID == 0 {
		w.log.Error("decode ingest job failed", "error", err, "body_bytes", len(body))
		return drop
	}
	log := w.log.With("job_id", job.JobID, "document_id", job.DocumentID)

	_, err := w.ingester.Ingest(ctx, job.DocumentID, nil)
	switch {
	case err == nil:
		return ack
	case errors.Is(err, app.ErrDocumentNotFound):
		log.Warn("ingest job for missing document")
		return ack
	case ctx.Err() != nil:
		log.Info("ingest interrupted, requeueing", "error", err)
		return requeue
	default:
		log.Error("ingest job failed", "error", err)
		return ack
	}
}

// Close stops consuming and waits for in-flight jobs to return.
func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
