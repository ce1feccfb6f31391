package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clusterdesk/clustercall/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *CallStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(db)
}

// clockAt pins the store clock to a fixed instant.
func clockAt(s *CallStore, at time.Time) {
	s.nowFn = func() time.Time { return at }
}

func TestStartCallCreatesWaitingRecord(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	clockAt(s, base)
	ctx := context.Background()

	call, err := s.StartCall(ctx, models.ContextTypeProject, "proj-1", "alice")
	if err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	if call.Status != models.CallStatusWaiting {
		t.Fatalf("expected waiting, got %s", call.Status)
	}
	if call.InitiatorID != "alice" {
		t.Fatalf("expected initiator alice, got %s", call.InitiatorID)
	}

	participant, err := s.OpenParticipant(ctx, call.ID, "alice")
	if err != nil {
		t.Fatalf("open participant failed: %v", err)
	}
	if participant == nil {
		t.Fatal("expected open participant row for initiator")
	}
	if !participant.JoinedAt.Equal(base) {
		t.Fatalf("expected joined_at %v, got %v", base, participant.JoinedAt)
	}
}

func TestStartCallRejectsSecondOpenCall(t *testing.T) {
	s := newTestStore(t)
	clockAt(s, time.Unix(1_700_001_000, 0))
	ctx := context.Background()

	if _, err := s.StartCall(ctx, models.ContextTypeCluster, "c-9", "alice"); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if _, err := s.StartCall(ctx, models.ContextTypeCluster, "c-9", "bob"); !errors.Is(err, ErrCallExists) {
		t.Fatalf("expected ErrCallExists, got %v", err)
	}

	// A different context is unaffected.
	if _, err := s.StartCall(ctx, models.ContextTypeCluster, "c-10", "bob"); err != nil {
		t.Fatalf("start in other context failed: %v", err)
	}
}

func TestJoinActivatesWaitingCall(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1_700_002_000, 0)
	clockAt(s, base)
	ctx := context.Background()

	call, _ := s.StartCall(ctx, models.ContextTypeProject, "proj-1", "alice")

	// The initiator re-joining does not activate the call.
	clockAt(s, base.Add(5*time.Second))
	joined, err := s.JoinCall(ctx, call.ID, "alice")
	if err != nil {
		t.Fatalf("initiator join failed: %v", err)
	}
	if joined.Status != models.CallStatusWaiting {
		t.Fatalf("initiator join should keep waiting, got %s", joined.Status)
	}

	clockAt(s, base.Add(10*time.Second))
	joined, err = s.JoinCall(ctx, call.ID, "bob")
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	if joined.Status != models.CallStatusActive {
		t.Fatalf("expected active after second participant, got %s", joined.Status)
	}
}

func TestRejoinReusesParticipantRow(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1_700_003_000, 0)
	clockAt(s, base)
	ctx := context.Background()

	call, _ := s.StartCall(ctx, models.ContextTypeProject, "proj-1", "alice")
	if _, err := s.JoinCall(ctx, call.ID, "bob"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	clockAt(s, base.Add(time.Minute))
	if _, err := s.LeaveCall(ctx, call.ID, "bob"); err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if p, _ := s.OpenParticipant(ctx, call.ID, "bob"); p != nil {
		t.Fatal("expected closed interval after leave")
	}

	rejoinAt := base.Add(2 * time.Minute)
	clockAt(s, rejoinAt)
	if _, err := s.JoinCall(ctx, call.ID, "bob"); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}

	p, err := s.OpenParticipant(ctx, call.ID, "bob")
	if err != nil {
		t.Fatalf("open participant failed: %v", err)
	}
	if p == nil {
		t.Fatal("expected reactivated interval after rejoin")
	}
	if !p.JoinedAt.Equal(rejoinAt) {
		t.Fatalf("expected refreshed joined_at %v, got %v", rejoinAt, p.JoinedAt)
	}

	var rows int64
	s.db.Model(&models.CallParticipantRecord{}).
		Where("call_id = ? AND user_id = ?", call.ID, "bob").Count(&rows)
	if rows != 1 {
		t.Fatalf("expected a single participant row, got %d", rows)
	}
}

func TestLifecycleWaitingActiveEnded(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1_700_004_000, 0)
	clockAt(s, base)
	ctx := context.Background()

	call, _ := s.StartCall(ctx, models.ContextTypeProject, "proj-1", "alice")
	if _, err := s.JoinCall(ctx, call.ID, "bob"); err != nil {
		t.Fatalf("join failed: %v", err)
	}

	clockAt(s, base.Add(time.Minute))
	left, err := s.LeaveCall(ctx, call.ID, "alice")
	if err != nil {
		t.Fatalf("alice leave failed: %v", err)
	}
	if left.Status != models.CallStatusActive {
		t.Fatalf("call should stay active while bob remains, got %s", left.Status)
	}

	endAt := base.Add(2 * time.Minute)
	clockAt(s, endAt)
	left, err = s.LeaveCall(ctx, call.ID, "bob")
	if err != nil {
		t.Fatalf("bob leave failed: %v", err)
	}
	if left.Status != models.CallStatusEnded {
		t.Fatalf("expected ended after last leave, got %s", left.Status)
	}
	if left.EndedAt == nil || !left.EndedAt.Equal(endAt) {
		t.Fatalf("expected ended_at %v, got %v", endAt, left.EndedAt)
	}

	if _, err := s.JoinCall(ctx, call.ID, "carol"); !errors.Is(err, ErrCallOver) {
		t.Fatalf("expected ErrCallOver joining an ended call, got %v", err)
	}
}

func TestWaitingNeverEndsDirectly(t *testing.T) {
	s := newTestStore(t)
	clockAt(s, time.Unix(1_700_005_000, 0))
	ctx := context.Background()

	// Initiator leaving a waiting call counts as cancel: missed, not ended.
	call, _ := s.StartCall(ctx, models.ContextTypeFYP, "fyp-3", "alice")
	left, err := s.LeaveCall(ctx, call.ID, "alice")
	if err != nil {
		t.Fatalf("leave failed: %v", err)
	}
	if left.Status != models.CallStatusMissed {
		t.Fatalf("expected missed, got %s", left.Status)
	}
}

func TestCancelCall(t *testing.T) {
	s := newTestStore(t)
	clockAt(s, time.Unix(1_700_006_000, 0))
	ctx := context.Background()

	call, _ := s.StartCall(ctx, models.ContextTypeProject, "proj-2", "alice")

	if _, err := s.CancelCall(ctx, call.ID, "bob"); !errors.Is(err, ErrNotInitiator) {
		t.Fatalf("expected ErrNotInitiator, got %v", err)
	}

	cancelled, err := s.CancelCall(ctx, call.ID, "alice")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != models.CallStatusMissed {
		t.Fatalf("expected missed after cancel, got %s", cancelled.Status)
	}

	if _, err := s.CancelCall(ctx, call.ID, "alice"); !errors.Is(err, ErrNotWaiting) {
		t.Fatalf("expected ErrNotWaiting on second cancel, got %v", err)
	}
}

func TestActiveCallForContext(t *testing.T) {
	s := newTestStore(t)
	clockAt(s, time.Unix(1_700_007_000, 0))
	ctx := context.Background()

	if call, err := s.ActiveCallForContext(ctx, models.ContextTypeProject, "proj-1"); err != nil || call != nil {
		t.Fatalf("expected no open call, got %v / %v", call, err)
	}

	created, _ := s.StartCall(ctx, models.ContextTypeProject, "proj-1", "alice")
	found, err := s.ActiveCallForContext(ctx, models.ContextTypeProject, "proj-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if found == nil || found.ID != created.ID {
		t.Fatalf("expected call %s, got %+v", created.ID, found)
	}
}

func TestExpireStaleWaiting(t *testing.T) {
	s := newTestStore(t)
	base := time.Unix(1_700_008_000, 0)
	clockAt(s, base)
	ctx := context.Background()

	stale, _ := s.StartCall(ctx, models.ContextTypeProject, "proj-1", "alice")

	clockAt(s, base.Add(90*time.Second))
	fresh, _ := s.StartCall(ctx, models.ContextTypeProject, "proj-2", "bob")

	expired, err := s.ExpireStaleWaiting(ctx, time.Minute)
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expected only the stale call expired, got %+v", expired)
	}

	got, _ := s.GetCall(ctx, stale.ID)
	if got.Status != models.CallStatusMissed {
		t.Fatalf("expected missed, got %s", got.Status)
	}
	if p, _ := s.OpenParticipant(ctx, stale.ID, "alice"); p != nil {
		t.Fatal("expected initiator interval closed on expiry")
	}

	got, _ = s.GetCall(ctx, fresh.ID)
	if got.Status != models.CallStatusWaiting {
		t.Fatalf("fresh call should stay waiting, got %s", got.Status)
	}
}
