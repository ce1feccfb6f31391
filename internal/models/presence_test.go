package models

import "testing"

func TestDedupPresenceLastWriteWins(t *testing.T) {
	states := []PresenceState{
		{UserID: "alice", UserName: "old"},
		{UserID: "bob"},
		{UserID: "alice", UserName: "new", IsMuted: true},
	}

	out := DedupPresence(states)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].UserID != "alice" || out[0].UserName != "new" || !out[0].IsMuted {
		t.Fatalf("out[0] = %+v, want alice's latest entry in place", out[0])
	}
	if out[1].UserID != "bob" {
		t.Fatalf("out[1] = %+v, want bob", out[1])
	}
}

func TestDedupPresenceDropsAnonymous(t *testing.T) {
	out := DedupPresence([]PresenceState{{UserName: "ghost"}, {UserID: "alice"}})
	if len(out) != 1 || out[0].UserID != "alice" {
		t.Fatalf("out = %+v", out)
	}
}

func TestDedupPresenceEmpty(t *testing.T) {
	if out := DedupPresence(nil); len(out) != 0 {
		t.Fatalf("out = %+v", out)
	}
}
