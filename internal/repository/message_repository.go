package repository

import (
	"context"
	"fmt"
	"slices"

	"gorm.io/gorm"

	"pdfchat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) ListBySessionID(ctx context.Context, sessionID uint, limit int) ([]model.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}

	var messages []model.Message
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at ASC, id ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) ListAfterID(ctx context.Context, sessionID, afterID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var messages []model.Message
	if err := r.db.WithContext(ctx).Where("session_id = ? AND id > ?", sessionID, afterID).
		Order("id ASC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages page failed: %w", err)
	}
	return messages, nil
}

// ListRecentBySessionID returns the last limit messages, oldest first.
func (r *MessageRepository) ListRecentBySessionID(ctx context.Context, sessionID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	var messages []model.Message
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	slices.Reverse(messages)
	return messages, nil
}
