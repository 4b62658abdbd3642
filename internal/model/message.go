package model

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID        uint         `gorm:"primaryKey" json:"id"`
	SessionID uint         `gorm:"not null;index" json:"session_id"`
	Session   *ChatSession `gorm:"foreignKey:SessionID;constraint:OnDelete:CASCADE" json:"-"`
	Role      string       `gorm:"size:16;not null;check:role IN ('user','assistant')" json:"role"`
	Content   string       `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time    `gorm:"index" json:"created_at"`
}
