package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"pdfchat/internal/model"
)

type DocumentRepository struct {
	db *gorm.DB
}

func NewDocumentRepository(db *gorm.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

func (r *DocumentRepository) Create(ctx context.Context, doc *model.Document) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("create document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) GetByIDAndUserID(ctx context.Context, id, userID uint) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get document failed: %w", err)
	}
	return &doc, nil
}

func (r *DocumentRepository) FindByHash(ctx context.Context, userID uint, hash string) (*model.Document, error) {
	var doc model.Document
	if err := r.db.WithContext(ctx).Where("user_id = ? AND content_hash = ?", userID, hash).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find document by hash failed: %w", err)
	}
	return &doc, nil
}

// ListByUserID omits the document text.
func (r *DocumentRepository) ListByUserID(ctx context.Context, userID uint) ([]model.Document, error) {
	var list []model.Document
	err := r.db.WithContext(ctx).Omit("content").
		Where("user_id = ?", userID).Order("created_at DESC").Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("list documents failed: %w", err)
	}
	return list, nil
}

func (r *DocumentRepository) ListSearchable(ctx context.Context, userID, documentID uint) ([]model.Document, error) {
	q := r.db.WithContext(ctx).Omit("content").
		Where("user_id = ? AND status = ?", userID, model.DocumentReady)
	if documentID != 0 {
		q = q.Where("id = ?", documentID)
	}
	var list []model.Document
	if err := q.Order("id ASC").Find(&list).Error; err != nil {
		return nil, fmt.Errorf("list searchable documents failed: %w", err)
	}
	return list, nil
}

func (r *DocumentRepository) MarkIngesting(ctx context.Context, id uint, chunkTotal, committed int) error {
	return r.update(ctx, id, map[string]any{
		"status":            model.DocumentIngesting,
		"chunk_total":       chunkTotal,
		"committed_batches": committed,
		"last_error":        "",
	})
}

func (r *DocumentRepository) UpdateProgress(ctx context.Context, id uint, committed int) error {
	return r.update(ctx, id, map[string]any{"committed_batches": committed})
}

func (r *DocumentRepository) MarkReady(ctx context.Context, id uint, committed int) error {
	return r.update(ctx, id, map[string]any{
		"status":            model.DocumentReady,
		"committed_batches": committed,
		"last_error":        "",
	})
}

func (r *DocumentRepository) MarkFailed(ctx context.Context, id uint, committed int, reason string) error {
	return r.update(ctx, id, map[string]any{
		"status":            model.DocumentFailed,
		"committed_batches": committed,
		"last_error":        reason,
	})
}

func (r *DocumentRepository) MarkPending(ctx context.Context, id uint) error {
	return r.update(ctx, id, map[string]any{"status": model.DocumentPending, "last_error": ""})
}

func (r *DocumentRepository) update(ctx context.Context, id uint, fields map[string]any) error {
	if err := r.db.WithContext(ctx).Model(&model.Document{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return fmt.Errorf("update document failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) UpdateTags(ctx context.Context, id uint, tags []string) error {
	doc := model.Document{ID: id, Tags: tags}
	if err := r.db.WithContext(ctx).Model(&doc).Select("tags").Updates(&doc).Error; err != nil {
		return fmt.Errorf("update document tags failed: %w", err)
	}
	return nil
}

func (r *DocumentRepository) DeleteByIDAndUserID(ctx context.Context, id, userID uint) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userID).Delete(&model.Document{}).Error; err != nil {
		return fmt.Errorf("delete document failed: %w", err)
	}
	return nil
}
