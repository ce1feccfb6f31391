package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clusterdesk/clustercall/internal/lifecycle"
	"github.com/clusterdesk/clustercall/internal/models"
	"github.com/clusterdesk/clustercall/internal/relay"
	"github.com/clusterdesk/clustercall/internal/rtc"
	"github.com/clusterdesk/clustercall/internal/session"
	"github.com/clusterdesk/clustercall/internal/store"
	"github.com/clusterdesk/clustercall/internal/testkit"
)

const (
	waitFor = 2 * time.Second
	poll    = 10 * time.Millisecond
)

type member struct {
	userID     string
	conn       *testkit.Conn
	transports *testkit.Transports
	media      *testkit.FakeMedia
	sess       *session.Session
}

func newMember(cluster *testkit.Cluster, room, userID string) *member {
	m := &member{
		userID:     userID,
		conn:       cluster.Open(room, userID),
		transports: testkit.NewTransports(),
		media:      testkit.NewFakeMedia(),
	}
	m.sess = session.New(session.Config{
		Self:     models.PresenceState{UserID: userID, UserName: userID, JoinedAt: time.Now()},
		Presence: m.conn,
		Signaler: m.conn,
		Media:    m.media,
		Factory:  m.transports.Factory,
	})
	return m
}

func negotiated(a, b *member) func() bool {
	return func() bool {
		at, bt := a.transports.For(b.userID), b.transports.For(a.userID)
		if at == nil || bt == nil {
			return false
		}
		return at.SignalingState() == webrtc.SignalingStateStable &&
			bt.SignalingState() == webrtc.SignalingStateStable &&
			at.RemoteDescription() != nil &&
			bt.RemoteDescription() != nil
	}
}

func TestSessionNegotiatesPeerPair(t *testing.T) {
	cluster := testkit.NewCluster()
	room := relay.RoomKey(models.ContextTypeProject, "proj-1")
	alice := newMember(cluster, room, "alice")
	bob := newMember(cluster, room, "bob")
	ctx := context.Background()

	require.NoError(t, alice.sess.Join(ctx))
	require.NoError(t, bob.sess.Join(ctx))
	defer alice.sess.Close()
	defer bob.sess.Close()

	// bob > alice, so bob offers and alice answers.
	require.Eventually(t, negotiated(alice, bob), waitFor, poll)

	bobSide := bob.transports.For("alice")
	aliceSide := alice.transports.For("bob")
	assert.Equal(t, webrtc.SDPTypeOffer, bobSide.LocalDescription().Type)
	assert.Equal(t, webrtc.SDPTypeAnswer, aliceSide.LocalDescription().Type)

	assert.Equal(t, []string{"alice"}, bob.sess.Peers())
	assert.Equal(t, []string{"bob"}, alice.sess.Peers())
}

func TestSessionRelaysCandidates(t *testing.T) {
	cluster := testkit.NewCluster()
	room := relay.RoomKey(models.ContextTypeCluster, "cl-1")
	alice := newMember(cluster, room, "alice")
	bob := newMember(cluster, room, "bob")
	ctx := context.Background()

	require.NoError(t, alice.sess.Join(ctx))
	require.NoError(t, bob.sess.Join(ctx))
	defer alice.sess.Close()
	defer bob.sess.Close()

	require.Eventually(t, negotiated(alice, bob), waitFor, poll)

	bob.transports.For("alice").EmitICECandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "10.0.0.2",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
	})

	require.Eventually(t, func() bool {
		return len(alice.transports.For("bob").Candidates()) == 1
	}, waitFor, poll, "bob's candidate must land on alice's transport")
}

func TestSessionTracksPeerConnectionStates(t *testing.T) {
	cluster := testkit.NewCluster()
	room := relay.RoomKey(models.ContextTypeCluster, "cl-2")
	alice := newMember(cluster, room, "alice")
	bob := newMember(cluster, room, "bob")
	ctx := context.Background()

	require.NoError(t, alice.sess.Join(ctx))
	require.NoError(t, bob.sess.Join(ctx))
	defer alice.sess.Close()
	defer bob.sess.Close()

	require.Eventually(t, negotiated(alice, bob), waitFor, poll)

	alice.transports.For("bob").EmitConnectionState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool {
		return alice.sess.PeerStates()["bob"] == webrtc.PeerConnectionStateConnected
	}, waitFor, poll)
}

func TestSetMutedPropagatesToRoom(t *testing.T) {
	cluster := testkit.NewCluster()
	room := relay.RoomKey(models.ContextTypeProject, "proj-2")
	alice := newMember(cluster, room, "alice")
	bob := newMember(cluster, room, "bob")
	ctx := context.Background()

	require.NoError(t, alice.sess.Join(ctx))
	require.NoError(t, bob.sess.Join(ctx))
	defer alice.sess.Close()
	defer bob.sess.Close()

	require.Eventually(t, negotiated(alice, bob), waitFor, poll)

	require.NoError(t, alice.sess.SetMuted(true))
	assert.True(t, alice.media.Muted(), "mute must silence capture at the source")

	require.Eventually(t, func() bool {
		for _, p := range bob.sess.Participants() {
			if p.UserID == "alice" {
				return p.IsMuted
			}
		}
		return false
	}, waitFor, poll, "bob must observe alice's mute through presence")
}

func TestCloseTearsDownEverything(t *testing.T) {
	cluster := testkit.NewCluster()
	room := relay.RoomKey(models.ContextTypeProject, "proj-3")
	alice := newMember(cluster, room, "alice")
	bob := newMember(cluster, room, "bob")
	ctx := context.Background()

	require.NoError(t, alice.sess.Join(ctx))
	require.NoError(t, bob.sess.Join(ctx))
	require.Eventually(t, negotiated(alice, bob), waitFor, poll)

	require.NoError(t, bob.sess.Close())

	assert.True(t, bob.media.Closed(), "capture must be released")
	assert.True(t, bob.transports.For("alice").Closed(), "peer transports must close")

	// Alice reconciles bob away once his presence is withdrawn.
	require.Eventually(t, func() bool {
		return len(alice.sess.Peers()) == 0
	}, waitFor, poll)
	assert.True(t, alice.transports.For("bob").Closed())

	require.NoError(t, alice.sess.Close())
	require.NoError(t, bob.sess.Close(), "second close is a no-op")
}

// TestGroupCallEndToEnd walks the full flow: start, ring, join, negotiate,
// connect, leave, terminal record.
func TestGroupCallEndToEnd(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	api := store.New(db)
	ctx := context.Background()

	cluster := testkit.NewCluster()
	room := relay.RoomKey(models.ContextTypeProject, "proj-e2e")
	alice := newMember(cluster, room, "alice")
	bob := newMember(cluster, room, "bob")

	acquire := func(media *testkit.FakeMedia) lifecycle.AcquireMediaFunc {
		return func(context.Context) (rtc.MediaSource, error) { return media, nil }
	}
	coordA := lifecycle.New(api, "alice", acquire(alice.media), nil)
	coordB := lifecycle.New(api, "bob", acquire(bob.media), nil)

	// Alice starts: record is waiting, she is alone in the room.
	_, call, err := coordA.Start(ctx, models.ContextTypeProject, "proj-e2e")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusWaiting, call.Status)
	require.NoError(t, alice.sess.Join(ctx))

	// Bob entering the context is offered a ring, not a silent rejoin.
	res, err := coordB.Resume(ctx, models.ContextTypeProject, "proj-e2e")
	require.NoError(t, err)
	require.Equal(t, lifecycle.ResumeRing, res.Action)
	require.Equal(t, call.ID, res.Call.ID)

	// Accepting the ring activates the call.
	_, joined, err := coordB.Join(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusActive, joined.Status)
	require.NoError(t, bob.sess.Join(ctx))

	// bob > alice: bob offers, alice answers, candidates trickle.
	require.Eventually(t, negotiated(alice, bob), waitFor, poll)

	bob.transports.For("alice").EmitICECandidate(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   1,
		Address:    "10.0.0.2",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       50000,
		Typ:        webrtc.ICECandidateTypeHost,
	})
	require.Eventually(t, func() bool {
		return len(alice.transports.For("bob").Candidates()) == 1
	}, waitFor, poll)

	alice.transports.For("bob").EmitConnectionState(webrtc.PeerConnectionStateConnected)
	bob.transports.For("alice").EmitConnectionState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool {
		return alice.sess.PeerStates()["bob"] == webrtc.PeerConnectionStateConnected &&
			bob.sess.PeerStates()["alice"] == webrtc.PeerConnectionStateConnected
	}, waitFor, poll)

	// Alice leaves; the call stays active for bob.
	left, err := coordA.Leave(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusActive, left.Status)
	require.NoError(t, alice.sess.Close())

	require.Eventually(t, func() bool {
		return len(bob.sess.Peers()) == 0
	}, waitFor, poll, "bob must reconcile alice away")

	// Last participant out ends the call.
	left, err = coordB.Leave(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, left.Status)
	require.NoError(t, bob.sess.Close())

	final, err := api.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, final.Status)
	require.NotNil(t, final.EndedAt)
}
