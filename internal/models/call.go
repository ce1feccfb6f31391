package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CallStatus is the lifecycle state of a call record.
// Keep values stable because they are part of the public API.
type CallStatus string

const (
	CallStatusWaiting CallStatus = "waiting"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
	CallStatusMissed  CallStatus = "missed"
)

// ContextType identifies the group a call is scoped to.
type ContextType string

const (
	ContextTypeCluster ContextType = "cluster"
	ContextTypeProject ContextType = "project"
	ContextTypeFYP     ContextType = "fyp"
)

type CallRecord struct {
	ID          string      `gorm:"type:varchar(36);primaryKey" json:"id"`
	ContextType ContextType `gorm:"type:varchar(20);not null;index:idx_call_context" json:"context_type"`
	ContextID   string      `gorm:"type:varchar(100);not null;index:idx_call_context" json:"context_id"`
	InitiatorID string      `gorm:"type:varchar(36);not null" json:"initiator_id"`
	Status      CallStatus  `gorm:"type:varchar(20);not null;index" json:"status"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     *time.Time  `json:"ended_at,omitempty"`
}

func (c *CallRecord) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// Open reports whether the call still accepts participants.
func (c *CallRecord) Open() bool {
	return c.Status == CallStatusWaiting || c.Status == CallStatusActive
}

// CallParticipantRecord is one join interval per (call, user).
// A re-join after leaving refreshes joined_at and clears left_at
// instead of inserting a second row.
type CallParticipantRecord struct {
	CallID   string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_call_user" json:"call_id"`
	UserID   string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_call_user" json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
}
