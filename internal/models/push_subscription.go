package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PushSubscription is a web-push endpoint registered for ring notifications
// on one context. A user may hold one subscription per (context, endpoint).
type PushSubscription struct {
	ID          string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID      string      `gorm:"type:varchar(36);not null;index" json:"user_id"`
	ContextType ContextType `gorm:"type:varchar(20);not null;index:idx_push_context" json:"context_type"`
	ContextID   string      `gorm:"type:varchar(100);not null;index:idx_push_context" json:"context_id"`
	Endpoint    string      `gorm:"type:text;not null" json:"endpoint"`
	P256DH      string      `gorm:"type:text;not null" json:"p256dh"`
	Auth        string      `gorm:"type:text;not null" json:"auth"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	return nil
}
