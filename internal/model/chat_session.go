package model

import "time"

// ChatSession is a conversation over one document, or over all of the
// user's documents when DocumentID is nil.
type ChatSession struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	User       *User     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	DocumentID *uint     `gorm:"index" json:"document_id"`
	Document   *Document `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Name       string    `gorm:"size:128;not null" json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ScopeDocumentID returns the document searched by the session, 0 for all.
func (s *ChatSession) ScopeDocumentID() uint {
	if s.DocumentID == nil {
		return 0
	}
	return *s.DocumentID
}
