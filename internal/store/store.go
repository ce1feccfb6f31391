package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/clusterdesk/clustercall/internal/models"

	"gorm.io/gorm"
)

var (
	ErrCallNotFound   = errors.New("call not found")
	ErrCallOver       = errors.New("call already ended")
	ErrCallExists     = errors.New("context already has an open call")
	ErrNotWaiting     = errors.New("call is not waiting")
	ErrNotInitiator   = errors.New("only the initiator may cancel")
	ErrNotParticipant = errors.New("user has no participant record for this call")
)

// CallStore persists call records and per-user join intervals. The persisted
// record is the source of truth for call state; presence payloads are only a
// hint (clients reconcile against this store on every mount).
type CallStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

func New(db *gorm.DB) *CallStore {
	return &CallStore{
		db:    db,
		nowFn: time.Now,
	}
}

// Migrate creates the call tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.CallRecord{},
		&models.CallParticipantRecord{},
		&models.PushSubscription{},
	)
}

// StartCall creates a waiting call plus the initiator's participant row.
// At most one open (waiting/active) call may exist per context.
func (s *CallStore) StartCall(ctx context.Context, contextType models.ContextType, contextID, initiatorID string) (*models.CallRecord, error) {
	now := s.nowFn()

	var call models.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.CallRecord
		err := tx.Where("context_type = ? AND context_id = ? AND status IN ?",
			contextType, contextID, []models.CallStatus{models.CallStatusWaiting, models.CallStatusActive}).
			First(&existing).Error
		if err == nil {
			return ErrCallExists
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		call = models.CallRecord{
			ContextType: contextType,
			ContextID:   contextID,
			InitiatorID: initiatorID,
			Status:      models.CallStatusWaiting,
			StartedAt:   now,
		}
		if err := tx.Create(&call).Error; err != nil {
			return err
		}

		participant := models.CallParticipantRecord{
			CallID:   call.ID,
			UserID:   initiatorID,
			JoinedAt: now,
		}
		return tx.Create(&participant).Error
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// JoinCall creates or reactivates the caller's participant row. A waiting
// call flips to active on the first non-initiator join.
func (s *CallStore) JoinCall(ctx context.Context, callID, userID string) (*models.CallRecord, error) {
	now := s.nowFn()

	var call models.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadCall(tx, callID, &call); err != nil {
			return err
		}
		if !call.Open() {
			return ErrCallOver
		}

		var participant models.CallParticipantRecord
		err := tx.Where("call_id = ? AND user_id = ?", callID, userID).First(&participant).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			participant = models.CallParticipantRecord{
				CallID:   callID,
				UserID:   userID,
				JoinedAt: now,
			}
			if err := tx.Create(&participant).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			// Re-join: refresh the interval instead of inserting a duplicate.
			if err := tx.Model(&models.CallParticipantRecord{}).
				Where("call_id = ? AND user_id = ?", callID, userID).
				Updates(map[string]any{"joined_at": now, "left_at": nil}).Error; err != nil {
				return err
			}
		}

		if call.Status == models.CallStatusWaiting && userID != call.InitiatorID {
			call.Status = models.CallStatusActive
			if err := tx.Model(&call).Update("status", models.CallStatusActive).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// LeaveCall closes the caller's join interval. When no open participant rows
// remain: an active call transitions to ended, a still-waiting call counts as
// an initiator cancel and lands on missed.
func (s *CallStore) LeaveCall(ctx context.Context, callID, userID string) (*models.CallRecord, error) {
	now := s.nowFn()

	var call models.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadCall(tx, callID, &call); err != nil {
			return err
		}

		res := tx.Model(&models.CallParticipantRecord{}).
			Where("call_id = ? AND user_id = ? AND left_at IS NULL", callID, userID).
			Update("left_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotParticipant
		}

		if !call.Open() {
			return nil
		}

		var open int64
		if err := tx.Model(&models.CallParticipantRecord{}).
			Where("call_id = ? AND left_at IS NULL", callID).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return nil
		}

		terminal := models.CallStatusEnded
		if call.Status == models.CallStatusWaiting {
			terminal = models.CallStatusMissed
		}
		call.Status = terminal
		call.EndedAt = &now
		return tx.Model(&call).Updates(map[string]any{"status": terminal, "ended_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// CancelCall flips a waiting call to missed. Only the initiator may cancel.
func (s *CallStore) CancelCall(ctx context.Context, callID, userID string) (*models.CallRecord, error) {
	now := s.nowFn()

	var call models.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := loadCall(tx, callID, &call); err != nil {
			return err
		}
		if call.Status != models.CallStatusWaiting {
			return ErrNotWaiting
		}
		if call.InitiatorID != userID {
			return ErrNotInitiator
		}

		if err := tx.Model(&models.CallParticipantRecord{}).
			Where("call_id = ? AND left_at IS NULL", callID).
			Update("left_at", now).Error; err != nil {
			return err
		}

		call.Status = models.CallStatusMissed
		call.EndedAt = &now
		return tx.Model(&call).Updates(map[string]any{"status": models.CallStatusMissed, "ended_at": now}).Error
	})
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall loads one call record by ID.
func (s *CallStore) GetCall(ctx context.Context, callID string) (*models.CallRecord, error) {
	var call models.CallRecord
	if err := loadCall(s.db.WithContext(ctx), callID, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// ActiveCallForContext returns the open (waiting/active) call for a context,
// or nil when there is none.
func (s *CallStore) ActiveCallForContext(ctx context.Context, contextType models.ContextType, contextID string) (*models.CallRecord, error) {
	var call models.CallRecord
	err := s.db.WithContext(ctx).
		Where("context_type = ? AND context_id = ? AND status IN ?",
			contextType, contextID, []models.CallStatus{models.CallStatusWaiting, models.CallStatusActive}).
		Order("started_at DESC").
		First(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &call, nil
}

// OpenParticipant returns the caller's open join interval (left_at IS NULL)
// for a call, or nil. A non-nil result drives silent auto-rejoin.
func (s *CallStore) OpenParticipant(ctx context.Context, callID, userID string) (*models.CallParticipantRecord, error) {
	var participant models.CallParticipantRecord
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND user_id = ? AND left_at IS NULL", callID, userID).
		First(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

// ExpireStaleWaiting flips waiting calls older than the cutoff to missed and
// returns them so callers can dismiss their rings. The ring window itself is
// a policy parameter owned by configuration, not by this store.
func (s *CallStore) ExpireStaleWaiting(ctx context.Context, olderThan time.Duration) ([]models.CallRecord, error) {
	now := s.nowFn()
	cutoff := now.Add(-olderThan)

	var expired []models.CallRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("status = ? AND started_at < ?", models.CallStatusWaiting, cutoff).
			Find(&expired).Error; err != nil {
			return err
		}
		for i := range expired {
			if err := tx.Model(&expired[i]).
				Updates(map[string]any{"status": models.CallStatusMissed, "ended_at": now}).Error; err != nil {
				return err
			}
			if err := tx.Model(&models.CallParticipantRecord{}).
				Where("call_id = ? AND left_at IS NULL", expired[i].ID).
				Update("left_at", now).Error; err != nil {
				return err
			}
			expired[i].Status = models.CallStatusMissed
			expired[i].EndedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func loadCall(tx *gorm.DB, callID string, call *models.CallRecord) error {
	if err := tx.Where("id = ?", callID).First(call).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCallNotFound
		}
		return fmt.Errorf("load call: %w", err)
	}
	return nil
}
