package relay

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/clusterdesk/clustercall/internal/models"
)

func addTestClient(h *Hub, room, userID, connID string) *Client {
	c := &Client{
		send:   make(chan []byte, 32),
		room:   room,
		userID: userID,
		connID: connID,
	}
	h.add(c)
	return c
}

func TestRoomKey(t *testing.T) {
	got := RoomKey(models.ContextTypeProject, "proj-9")
	if got != "ctx:project:proj-9" {
		t.Fatalf("RoomKey = %q", got)
	}
}

func TestSnapshotDedupsByLatestWrite(t *testing.T) {
	h := NewHub(nil)
	base := time.Unix(1_700_000_000, 0)

	old := addTestClient(h, "r", "alice", "conn-old")
	fresh := addTestClient(h, "r", "alice", "conn-new")
	other := addTestClient(h, "r", "bob", "conn-bob")

	h.setState(old, &models.PresenceState{UserID: "alice", UserName: "stale", JoinedAt: base})
	h.setState(other, &models.PresenceState{UserID: "bob", JoinedAt: base.Add(time.Second)})
	h.setState(fresh, &models.PresenceState{UserID: "alice", UserName: "current", JoinedAt: base})

	snapshot := h.Participants("r")
	if len(snapshot) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snapshot))
	}
	if snapshot[0].UserID != "alice" || snapshot[0].UserName != "current" {
		t.Fatalf("snapshot[0] = %+v, want alice's latest state first", snapshot[0])
	}
	if snapshot[1].UserID != "bob" {
		t.Fatalf("snapshot[1] = %+v, want bob", snapshot[1])
	}
}

func TestSnapshotOrdersByJoinTime(t *testing.T) {
	h := NewHub(nil)
	base := time.Unix(1_700_000_000, 0)

	late := addTestClient(h, "r", "zoe", "c1")
	early := addTestClient(h, "r", "amy", "c2")
	tied := addTestClient(h, "r", "ben", "c3")

	h.setState(late, &models.PresenceState{UserID: "zoe", JoinedAt: base.Add(time.Minute)})
	h.setState(early, &models.PresenceState{UserID: "amy", JoinedAt: base})
	h.setState(tied, &models.PresenceState{UserID: "ben", JoinedAt: base})

	snapshot := h.Participants("r")
	got := []string{snapshot[0].UserID, snapshot[1].UserID, snapshot[2].UserID}
	want := []string{"amy", "ben", "zoe"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestUntrackedClientLeavesSnapshot(t *testing.T) {
	h := NewHub(nil)

	c := addTestClient(h, "r", "alice", "c1")
	h.setState(c, &models.PresenceState{UserID: "alice"})
	if len(h.Participants("r")) != 1 {
		t.Fatal("tracked client missing from snapshot")
	}

	h.setState(c, nil)
	if len(h.Participants("r")) != 0 {
		t.Fatal("untracked client still in snapshot")
	}
}

func TestBroadcastSyncReachesWholeRoom(t *testing.T) {
	h := NewHub(nil)

	a := addTestClient(h, "r", "alice", "c1")
	b := addTestClient(h, "r", "bob", "c2")
	outside := addTestClient(h, "elsewhere", "carol", "c3")

	h.setState(a, &models.PresenceState{UserID: "alice"})
	h.broadcastSync("r")

	for _, c := range []*Client{a, b} {
		select {
		case raw := <-c.send:
			var env Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("bad envelope: %v", err)
			}
			if env.Type != TypeSync {
				t.Fatalf("type = %s, want sync", env.Type)
			}
		default:
			t.Fatalf("client %s got no sync", c.userID)
		}
	}
	select {
	case <-outside.send:
		t.Fatal("sync leaked into another room")
	default:
	}
}

func TestFanOutSignalSkipsSender(t *testing.T) {
	h := NewHub(nil)

	a := addTestClient(h, "r", "alice", "c1")
	b := addTestClient(h, "r", "bob", "c2")

	payload := MarshalEnvelope(TypeSignal, models.SignalMessage{
		Type:   models.SignalTypeOffer,
		Sender: "alice",
		Target: "bob",
	})
	h.fanOutSignal(a, payload)

	select {
	case <-a.send:
		t.Fatal("sender must not receive its own signal")
	default:
	}
	select {
	case raw := <-b.send:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		var msg models.SignalMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.Fatalf("bad signal: %v", err)
		}
		if msg.Target != "bob" {
			t.Fatalf("target = %s", msg.Target)
		}
	default:
		t.Fatal("peer got no signal")
	}
}

func TestBroadcastRingDeliversLocally(t *testing.T) {
	h := NewHub(nil)
	c := addTestClient(h, "r", "alice", "c1")

	h.BroadcastRing("r", TypeRing, RingData{CallID: "call-1", InitiatorID: "bob"})

	select {
	case raw := <-c.send:
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		if env.Type != TypeRing {
			t.Fatalf("type = %s, want ring", env.Type)
		}
		var data RingData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("bad ring payload: %v", err)
		}
		if data.CallID != "call-1" {
			t.Fatalf("call_id = %s", data.CallID)
		}
	default:
		t.Fatal("ring not delivered")
	}
}

func TestTrySendFullBufferFails(t *testing.T) {
	c := &Client{send: make(chan []byte)}
	if c.trySend([]byte("x")) {
		t.Fatal("send on unbuffered idle channel must fail")
	}
	c.closeSend()
	if c.trySend([]byte("x")) {
		t.Fatal("send on closed channel must fail, not panic")
	}
}
