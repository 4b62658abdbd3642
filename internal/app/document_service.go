package app

import (
	"context"
	"log/slog"
	"slices"

	"pdfchat/internal/cache"
	"pdfchat/internal/model"
	"pdfchat/internal/vectorstore"
)

type DocumentService struct {
	docs     DocumentStore
	tags     TagStore
	store    vectorstore.Store
	progress ProgressTracker
	log      *slog.Logger
}

func NewDocumentService(docs DocumentStore, tags TagStore, store vectorstore.Store, progress ProgressTracker, log *slog.Logger) *DocumentService {
	if log == nil {
		log = slog.Default()
	}
	return &DocumentService{docs: docs, tags: tags, store: store, progress: progress, log: log}
}

func (s *DocumentService) List(ctx context.Context, userID uint) ([]model.Document, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.docs.ListByUserID(ctx, userID)
}

func (s *DocumentService) Get(ctx context.Context, userID, documentID uint) (*model.Document, error) {
	if userID == 0 || documentID == 0 {
		return nil, ErrInvalidInput
	}
	doc, err := s.docs.GetByIDAndUserID(ctx, documentID, userID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// Delete removes the document with its chunks, sessions and messages.
func (s *DocumentService) Delete(ctx context.Context, userID, documentID uint) error {
	doc, err := s.Get(ctx, userID, documentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := s.docs.DeleteByIDAndUserID(ctx, doc.ID, userID); err != nil {
		return err
	}
	if s.progress != nil {
		if err := s.progress.Delete(ctx, doc.ID); err != nil {
			s.log.Warn("delete progress failed", "document_id", doc.ID, "error", err)
		}
	}
	s.log.Info("document deleted", "document_id", doc.ID, "user_id", userID)
	return nil
}

// Progress prefers the live tracker and falls back to the durable marker.
func (s *DocumentService) Progress(ctx context.Context, userID, documentID uint) (cache.Progress, error) {
	doc, err := s.Get(ctx, userID, documentID)
	if err != nil {
		return cache.Progress{}, err
	}
	if s.progress != nil && doc.Status == model.DocumentIngesting {
		p, ok, err := s.progress.Get(ctx, doc.ID)
		if err != nil {
			s.log.Warn("read progress failed", "document_id", doc.ID, "error", err)
		} else if ok {
			return p, nil
		}
	}
	return progressOf(doc, doc.ChunkTotal), nil
}

func (s *DocumentService) SetTags(ctx context.Context, userID, documentID uint, tags []string) (*model.Document, error) {
	doc, err := s.Get(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	return s.saveTags(ctx, doc, NormalizeTags(tags))
}

func (s *DocumentService) AddTag(ctx context.Context, userID, documentID uint, tag string) (*model.Document, error) {
	doc, err := s.Get(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	return s.saveTags(ctx, doc, NormalizeTags(append(slices.Clone(doc.Tags), tag)))
}

func (s *DocumentService) RemoveTag(ctx context.Context, userID, documentID uint, tag string) (*model.Document, error) {
	doc, err := s.Get(ctx, userID, documentID)
	if err != nil {
		return nil, err
	}
	target := NormalizeTags([]string{tag})
	if len(target) == 0 {
		return doc, nil
	}
	kept := slices.DeleteFunc(slices.Clone(doc.Tags), func(t string) bool { return t == target[0] })
	return s.saveTags(ctx, doc, kept)
}

func (s *DocumentService) ListTags(ctx context.Context) ([]string, error) {
	if s.tags == nil {
		return []string{}, nil
	}
	return s.tags.List(ctx)
}

func (s *DocumentService) saveTags(ctx context.Context, doc *model.Document, tags []string) (*model.Document, error) {
	if s.tags != nil && len(tags) > 0 {
		if err := s.tags.Ensure(ctx, tags); err != nil {
			return nil, err
		}
	}
	if err := s.docs.UpdateTags(ctx, doc.ID, tags); err != nil {
		return nil, err
	}
	doc.Tags = tags
	return doc, nil
}

func cacheProgress(p IngestProgress, status model.DocumentStatus, errText string) cache.Progress {
	return cache.Progress{
		DocumentID: p.DocumentID,
		Status:     string(status),
		Processed:  p.Processed,
		Total:      p.Total,
		Batch:      p.Batch,
		Error:      errText,
	}
}

// progressOf derives progress from the document row alone.
func progressOf(doc *model.Document, total int) cache.Progress {
	processed := doc.CommittedBatches * doc.BatchSize
	if doc.Status == model.DocumentReady || processed > total {
		processed = total
	}
	return cache.Progress{
		DocumentID: doc.ID,
		Status:     string(doc.Status),
		Processed:  processed,
		Total:      total,
		Batch:      doc.CommittedBatches - 1,
		Error:      doc.LastError,
	}
}
