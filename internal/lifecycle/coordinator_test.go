package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clusterdesk/clustercall/internal/models"
	"github.com/clusterdesk/clustercall/internal/rtc"
	"github.com/clusterdesk/clustercall/internal/session"
	"github.com/clusterdesk/clustercall/internal/store"
	"github.com/clusterdesk/clustercall/internal/testkit"
)

func newTestAPI(t *testing.T) *store.CallStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return store.New(db)
}

func okMedia(media *testkit.FakeMedia) AcquireMediaFunc {
	return func(context.Context) (rtc.MediaSource, error) {
		return media, nil
	}
}

func failingMedia(err error) AcquireMediaFunc {
	return func(context.Context) (rtc.MediaSource, error) {
		return nil, err
	}
}

// publishedStates records presence updates for assertions.
type publishedStates struct {
	mu     sync.Mutex
	states []models.PresenceState
	last   models.PresenceState
}

func (p *publishedStates) Join(_ context.Context, self models.PresenceState) error {
	p.mu.Lock()
	p.last = self
	p.mu.Unlock()
	return nil
}

func (p *publishedStates) Update(mutate func(*models.PresenceState)) error {
	p.mu.Lock()
	mutate(&p.last)
	p.states = append(p.states, p.last)
	p.mu.Unlock()
	return nil
}

func (p *publishedStates) Leave() error { return nil }

func (p *publishedStates) Sync() <-chan []models.PresenceState { return nil }

func (p *publishedStates) latest() models.PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func TestStartAcquiresMediaBeforeRecord(t *testing.T) {
	api := newTestAPI(t)
	c := New(api, "alice", failingMedia(errors.New("mic permission denied")), nil)
	ctx := context.Background()

	_, _, err := c.Start(ctx, models.ContextTypeCluster, "cl-1")
	require.ErrorIs(t, err, ErrMediaUnavailable)

	call, err := api.ActiveCallForContext(ctx, models.ContextTypeCluster, "cl-1")
	require.NoError(t, err)
	assert.Nil(t, call, "failed media acquisition must not leave a call record")
}

func TestStartClosesMediaWhenRecordFails(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	_, _, err := New(api, "alice", okMedia(testkit.NewFakeMedia()), nil).
		Start(ctx, models.ContextTypeCluster, "cl-1")
	require.NoError(t, err)

	// Second open call in the same context is rejected; its media must be
	// released again.
	media := testkit.NewFakeMedia()
	_, _, err = New(api, "bob", okMedia(media), nil).
		Start(ctx, models.ContextTypeCluster, "cl-1")
	require.ErrorIs(t, err, store.ErrCallExists)
	assert.True(t, media.Closed())
}

func TestStartPublishesInCallState(t *testing.T) {
	api := newTestAPI(t)
	c := New(api, "alice", okMedia(testkit.NewFakeMedia()), nil)
	presence := &publishedStates{}
	c.SetPresence(presence)
	ctx := context.Background()

	_, call, err := c.Start(ctx, models.ContextTypeProject, "proj-1")
	require.NoError(t, err)

	st := presence.latest()
	assert.True(t, st.IsInCall)
	assert.Equal(t, call.ID, st.CallID)
	assert.Equal(t, call.ID, c.InCall())

	_, err = c.Leave(ctx, call.ID)
	require.NoError(t, err)

	st = presence.latest()
	assert.False(t, st.IsInCall)
	assert.Empty(t, st.CallID)
	assert.Empty(t, c.InCall())
}

func TestResumeNoOpenCall(t *testing.T) {
	api := newTestAPI(t)
	c := New(api, "alice", okMedia(testkit.NewFakeMedia()), nil)

	res, err := c.Resume(context.Background(), models.ContextTypeFYP, "fyp-1")
	require.NoError(t, err)
	assert.Equal(t, ResumeNone, res.Action)
	assert.Nil(t, res.Call)
}

func TestResumeSilentRejoinForOpenParticipant(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	alice := New(api, "alice", okMedia(testkit.NewFakeMedia()), nil)
	_, call, err := alice.Start(ctx, models.ContextTypeProject, "proj-1")
	require.NoError(t, err)
	_, err = api.JoinCall(ctx, call.ID, "bob")
	require.NoError(t, err)

	// Alice's join interval is still open: a tab reload must rejoin
	// without ringing.
	res, err := alice.Resume(ctx, models.ContextTypeProject, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, ResumeRejoin, res.Action)
	require.NotNil(t, res.Call)
	assert.Equal(t, call.ID, res.Call.ID)
}

func TestResumeRingsForForeignCall(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	alice := New(api, "alice", okMedia(testkit.NewFakeMedia()), nil)
	_, call, err := alice.Start(ctx, models.ContextTypeProject, "proj-1")
	require.NoError(t, err)

	bob := New(api, "bob", okMedia(testkit.NewFakeMedia()), nil)
	res, err := bob.Resume(ctx, models.ContextTypeProject, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, ResumeRing, res.Action)
	require.NotNil(t, res.Call)
	assert.Equal(t, call.ID, res.Call.ID)
}

func TestResumeOwnWaitingCallAfterLeaveStaysQuiet(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	alice := New(api, "alice", okMedia(testkit.NewFakeMedia()), nil)
	_, call, err := alice.Start(ctx, models.ContextTypeProject, "proj-1")
	require.NoError(t, err)
	_, err = api.JoinCall(ctx, call.ID, "bob")
	require.NoError(t, err)
	_, err = alice.Leave(ctx, call.ID)
	require.NoError(t, err)

	// Bob keeps the call active; alice re-entering the context should see
	// a ring like any other invitee, not a silent rejoin.
	res, err := alice.Resume(ctx, models.ContextTypeProject, "proj-1")
	require.NoError(t, err)
	assert.Equal(t, ResumeRing, res.Action)
}

func TestHandleRingFiltersOwnAndBusy(t *testing.T) {
	api := newTestAPI(t)
	c := New(api, "alice", okMedia(testkit.NewFakeMedia()), nil)

	c.HandleRing(session.RingEvent{CallID: "c1", InitiatorID: "alice"})
	select {
	case ev := <-c.Rings():
		t.Fatalf("own ring must be swallowed, got %+v", ev)
	default:
	}

	c.HandleRing(session.RingEvent{CallID: "c2", InitiatorID: "bob"})
	select {
	case ev := <-c.Rings():
		assert.Equal(t, "c2", ev.CallID)
	default:
		t.Fatal("foreign ring must pass through")
	}

	_, call, err := c.Start(context.Background(), models.ContextTypeCluster, "cl-1")
	require.NoError(t, err)
	require.NotEmpty(t, call.ID)

	c.HandleRing(session.RingEvent{CallID: "c3", InitiatorID: "bob"})
	select {
	case ev := <-c.Rings():
		t.Fatalf("ring while in a call must be swallowed, got %+v", ev)
	default:
	}

	// Dismissals always pass so stale ring UI can be cleared.
	c.HandleRing(session.RingEvent{CallID: "c3", Cancelled: true})
	select {
	case ev := <-c.Rings():
		assert.True(t, ev.Cancelled)
	default:
		t.Fatal("ring dismissal must pass through")
	}
}
