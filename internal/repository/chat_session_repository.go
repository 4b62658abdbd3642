package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"pdfchat/internal/model"
)

type ChatSessionRepository struct {
	db *gorm.DB
}

func NewChatSessionRepository(db *gorm.DB) *ChatSessionRepository {
	return &ChatSessionRepository{db: db}
}

func (r *ChatSessionRepository) Create(ctx context.Context, session *model.ChatSession) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("create chat session failed: %w", err)
	}
	return nil
}

// ListByUserID lists a user's sessions, optionally only those on one document.
func (r *ChatSessionRepository) ListByUserID(ctx context.Context, userID, documentID uint) ([]model.ChatSession, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if documentID != 0 {
		q = q.Where("document_id = ?", documentID)
	}
	var sessions []model.ChatSession
	if err := q.Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list chat sessions failed: %w", err)
	}
	return sessions, nil
}

func (r *ChatSessionRepository) GetByIDAndUserID(ctx context.Context, sessionID, userID uint) (*model.ChatSession, error) {
	var session model.ChatSession
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).First(&session).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get chat session failed: %w", err)
	}
	return &session, nil
}

func (r *ChatSessionRepository) Touch(ctx context.Context, sessionID uint) error {
	if err := r.db.WithContext(ctx).Model(&model.ChatSession{}).Where("id = ?", sessionID).
		Update("updated_at", gorm.Expr("now()")).Error; err != nil {
		return fmt.Errorf("touch chat session failed: %w", err)
	}
	return nil
}

func (r *ChatSessionRepository) DeleteByIDAndUserID(ctx context.Context, sessionID, userID uint) error {
	if err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", sessionID, userID).Delete(&model.ChatSession{}).Error; err != nil {
		return fmt.Errorf("delete chat session failed: %w", err)
	}
	return nil
}
