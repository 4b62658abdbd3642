package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"pdfchat/internal/chunker"
	"pdfchat/internal/embedder"
	"pdfchat/internal/extract"
	"pdfchat/internal/metrics"
	"pdfchat/internal/model"
	"pdfchat/internal/pkg/tokencount"
	"pdfchat/internal/retriever"
	"pdfchat/internal/vectorstore"
)

type IngestConfig struct {
	Spec           model.EmbeddingSpec
	MaxUploadBytes int64
	// CountTokens fills chunk token_count metadata. Defaults to tokencount.Estimate.
	CountTokens func(string) int
	// StaleAfter is how long a pending or ingesting document may go without
	// an update before Reingest treats it as abandoned.
	StaleAfter time.Duration
}

const defaultStaleAfter = 15 * time.Minute

type UploadInput struct {
	UserID   uint
	Title    string
	Filename string
	Raw      []byte
	Tags     []string
}

// IngestProgress is reported after every committed batch.
type IngestProgress struct {
	DocumentID uint
	Processed  int
	Total      int
	Batch      int
}

type ProgressFunc func(IngestProgress)

// IngestService owns the document ingestion state machine:
// pending/failed -> ingesting -> ready | failed.
type IngestService struct {
	docs     DocumentStore
	tags     TagStore
	store    vectorstore.Store
	splitter *chunker.Splitter
	embedder *embedder.Embedder
	queue    JobQueue
	progress ProgressTracker
	cfg      IngestConfig
	log      *slog.Logger
}

func NewIngestService(
	docs DocumentStore,
	tags TagStore,
	store vectorstore.Store,
	splitter *chunker.Splitter,
	emb *embedder.Embedder,
	progress ProgressTracker,
	cfg IngestConfig,
	log *slog.Logger,
) *IngestService {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	if cfg.CountTokens == nil {
		cfg.CountTokens = tokencount.Estimate
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if log == nil {
		log = slog.Default()
	}
	return &IngestService{
		docs:     docs,
		tags:     tags,
		store:    store,
		splitter: splitter,
		embedder: emb,
		progress: progress,
		cfg:      cfg,
		log:      log,
	}
}

// SetQueue sets where Submit and Reingest publish jobs. Without a queue the
// caller drives Ingest itself.
func (s *IngestService) SetQueue(q JobQueue) {
	s.queue = q
}

// Submit extracts the upload and records it as a pending document. An
// identical upload by the same user returns the existing document and
// created=false.
func (s *IngestService) Submit(ctx context.Context, input UploadInput) (doc *model.Document, created bool, err error) {
	if input.UserID == 0 || len(input.Raw) == 0 {
		return nil, false, ErrInvalidInput
	}
	if int64(len(input.Raw)) > s.cfg.MaxUploadBytes {
		return nil, false, fmt.Errorf("%w: %d bytes, limit %d", ErrDocumentTooLarge, len(input.Raw), s.cfg.MaxUploadBytes)
	}

	sum := sha256.Sum256(input.Raw)
	hash := hex.EncodeToString(sum[:])
	existing, err := s.docs.FindByHash(ctx, input.UserID, hash)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		s.log.Info("duplicate upload", "document_id", existing.ID, "user_id", input.UserID)
		return existing, false, nil
	}

	text, err := extract.Extract(ctx, input.Filename, input.Raw)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrExtractionFailure, err)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(input.Filename), filepath.Ext(input.Filename))
	}
	if title == "" || title == "." {
		title = "Untitled"
	}
	tags := NormalizeTags(input.Tags)
	if s.tags != nil && len(tags) > 0 {
		if err := s.tags.Ensure(ctx, tags); err != nil {
			return nil, false, err
		}
	}

	doc = &model.Document{
		UserID:         input.UserID,
		Title:          title,
		Filename:       filepath.Base(input.Filename),
		Content:        text.Content,
		Pages:          text.Pages,
		ContentHash:    hash,
		Tags:           tags,
		EmbeddingModel: s.cfg.Spec.Model,
		EmbeddingDim:   s.cfg.Spec.Dimension,
		Status:         model.DocumentPending,
		BatchSize:      s.embedder.BatchSize(),
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, false, err
	}
	s.log.Info("document submitted", "document_id", doc.ID, "user_id", doc.UserID, "chars", len([]rune(doc.Content)))

	if err := s.enqueue(ctx, doc.ID); err != nil {
		return doc, true, err
	}
	return doc, true, nil
}

// Reingest resets a failed or stalled document and queues it again. Ready
// documents and ones still making progress are returned unchanged.
func (s *IngestService) Reingest(ctx context.Context, userID, documentID uint) (*model.Document, error) {
	doc, err := s.docs.GetByIDAndUserID(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	if !s.retryable(doc) {
		return doc, nil
	}
	if doc.Status != model.DocumentFailed {
		s.log.Warn("resetting stalled document", "document_id", doc.ID, "status", doc.Status, "updated_at", doc.UpdatedAt)
	}
	if err := s.docs.MarkPending(ctx, doc.ID); err != nil {
		return nil, err
	}
	doc.Status = model.DocumentPending
	doc.LastError = ""
	if err := s.enqueue(ctx, doc.ID); err != nil {
		return doc, err
	}
	return doc, nil
}

func (s *IngestService) retryable(doc *model.Document) bool {
	switch doc.Status {
	case model.DocumentFailed:
		return true
	case model.DocumentPending, model.DocumentIngesting:
		return time.Since(doc.UpdatedAt) >= s.cfg.StaleAfter
	}
	return false
}

func (s *IngestService) enqueue(ctx context.Context, documentID uint) error {
	if s.queue == nil {
		return nil
	}
	job := IngestJob{JobID: uuid.NewString(), DocumentID: documentID}
	if err := s.queue.PublishIngest(ctx, job); err != nil {
		s.log.Error("publish ingest job failed", "document_id", documentID, "job_id", job.JobID, "error", err)
		_ = s.docs.MarkFailed(context.WithoutCancel(ctx), documentID, 0, err.Error())
		return fmt.Errorf("%w: %w", ErrIngestEnqueue, err)
	}
	s.log.Info("ingest job queued", "document_id", documentID, "job_id", job.JobID)
	return nil
}

// Ingest chunks, embeds and stores a document, resuming after whatever a
// previous attempt already committed. A ready document is left as is.
func (s *IngestService) Ingest(ctx context.Context, documentID uint, onProgress ProgressFunc) (*model.Document, error) {
	doc, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	log := s.log.With("document_id", doc.ID)

	if doc.Status == model.DocumentReady {
		log.Info("document already ingested", "chunks", doc.ChunkTotal)
		return doc, nil
	}
	if doc.Spec() != s.cfg.Spec {
		err := fmt.Errorf("%w: document pinned to %s/%d", retriever.ErrModelMismatch, doc.EmbeddingModel, doc.EmbeddingDim)
		return doc, s.fail(ctx, doc, doc.CommittedBatches, err)
	}

	segments := s.splitter.Split(doc.Content)
	if len(segments) == 0 {
		return doc, s.fail(ctx, doc, 0, fmt.Errorf("%w: document has no text", ErrExtractionFailure))
	}
	batchSize := doc.BatchSize
	if batchSize <= 0 {
		batchSize = s.embedder.BatchSize()
	}

	orders := make([]int, len(segments))
	texts := make([]string, len(segments))
	for i, seg := range segments {
		orders[i] = i
		texts[i] = seg.Text
	}
	stored, err := s.store.ChunkOrders(ctx, doc.ID)
	if err != nil {
		return doc, s.fail(ctx, doc, doc.CommittedBatches, err)
	}

	totalBatches := (len(segments) + batchSize - 1) / batchSize
	batches := embedder.Plan(orders, texts, batchSize, stored)
	committed := totalBatches
	if len(batches) > 0 {
		committed = batches[0].Index
	}
	processed := len(segments) - remaining(batches)

	if err := s.docs.MarkIngesting(ctx, doc.ID, len(segments), committed); err != nil {
		return doc, s.fail(ctx, doc, committed, err)
	}
	doc.Status = model.DocumentIngesting
	doc.ChunkTotal = len(segments)
	doc.BatchSize = batchSize
	log.Info("ingest started", "chunks", len(segments), "batches", totalBatches,
		"resume_from", committed, "already_stored", len(stored))

	for res := range s.embedder.Embed(ctx, batches) {
		if res.Err != nil {
			return doc, s.fail(ctx, doc, committed, res.Err)
		}
		chunks := make([]model.Chunk, len(res.Batch.Orders))
		for i, order := range res.Batch.Orders {
			seg := segments[order]
			chunks[i] = model.Chunk{
				DocumentID: doc.ID,
				ChunkOrder: order,
				Content:    seg.Text,
				Embedding:  res.Vectors[i],
				Metadata: map[string]any{
					"page":         doc.PageAt(seg.Start),
					"chunk_index":  order,
					"total_chunks": len(segments),
					"token_count":  s.cfg.CountTokens(seg.Text),
					"char_start":   seg.Start,
				},
			}
		}
		if err := s.store.UpsertChunks(ctx, doc.ID, chunks); err != nil {
			return doc, s.fail(ctx, doc, committed, err)
		}

		committed = res.Batch.Index + 1
		processed += len(chunks)
		metrics.ChunksEmbedded.Add(float64(len(chunks)))
		if err := s.docs.UpdateProgress(ctx, doc.ID, committed); err != nil {
			return doc, s.fail(ctx, doc, committed, err)
		}
		doc.CommittedBatches = committed
		s.report(ctx, IngestProgress{DocumentID: doc.ID, Processed: processed, Total: len(segments), Batch: res.Batch.Index}, onProgress)
		log.Debug("batch committed", "batch", res.Batch.Index, "processed", processed, "attempts", res.Attempts)
	}
	if err := ctx.Err(); err != nil {
		return doc, s.fail(ctx, doc, committed, err)
	}

	count, err := s.store.CountChunks(ctx, doc.ID)
	if err != nil {
		return doc, s.fail(ctx, doc, committed, err)
	}
	if count != len(segments) {
		return doc, s.fail(ctx, doc, committed, fmt.Errorf("%w: stored %d of %d chunks", embedder.ErrEmbeddingFailure, count, len(segments)))
	}
	if err := s.docs.MarkReady(ctx, doc.ID, totalBatches); err != nil {
		return doc, s.fail(ctx, doc, totalBatches, err)
	}
	doc.Status = model.DocumentReady
	doc.CommittedBatches = totalBatches
	doc.LastError = ""
	metrics.IngestOutcomes.WithLabelValues(string(model.DocumentReady)).Inc()
	if s.progress != nil {
		_ = s.progress.Report(ctx, progressOf(doc, len(segments)))
	}
	log.Info("ingest finished", "chunks", count)
	return doc, nil
}

// fail records cause on the document and returns it, wrapped as an
// embedding failure unless it already carries a more specific kind.
func (s *IngestService) fail(ctx context.Context, doc *model.Document, committed int, cause error) error {
	wctx := context.WithoutCancel(ctx)
	if err := s.docs.MarkFailed(wctx, doc.ID, committed, cause.Error()); err != nil {
		s.log.Error("mark document failed", "document_id", doc.ID, "error", err)
	}
	doc.Status = model.DocumentFailed
	doc.CommittedBatches = committed
	doc.LastError = cause.Error()
	metrics.IngestOutcomes.WithLabelValues(string(model.DocumentFailed)).Inc()
	if s.progress != nil {
		_ = s.progress.Report(wctx, progressOf(doc, doc.ChunkTotal))
	}
	s.log.Error("ingest failed", "document_id", doc.ID, "committed_batches", committed, "error", cause)

	switch {
	case errors.Is(cause, embedder.ErrEmbeddingFailure),
		errors.Is(cause, ErrExtractionFailure),
		errors.Is(cause, retriever.ErrModelMismatch):
		return cause
	}
	return fmt.Errorf("%w: %w", embedder.ErrEmbeddingFailure, cause)
}

func (s *IngestService) report(ctx context.Context, p IngestProgress, onProgress ProgressFunc) {
	if onProgress != nil {
		onProgress(p)
	}
	if s.progress == nil {
		return
	}
	err := s.progress.Report(ctx, cacheProgress(p, model.DocumentIngesting, ""))
	if err != nil {
		s.log.Warn("report progress failed", "document_id", p.DocumentID, "error", err)
	}
}

func remaining(batches []embedder.Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Orders)
	}
	return n
}
