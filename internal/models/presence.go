package models

import "time"

// PresenceState is the ephemeral per-participant payload published to a call
// room. It is owned by the publishing client; the relay only fans it out.
// Nothing here is persisted, state is lost on disconnect.
type PresenceState struct {
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	UserAvatar string    `json:"user_avatar,omitempty"`
	JoinedAt   time.Time `json:"joined_at"`
	IsMuted    bool      `json:"is_muted"`
	IsVideoOn  bool      `json:"is_video_on"`
	IsInCall   bool      `json:"is_in_call,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
}

// DedupPresence collapses duplicate entries for the same user_id,
// last write wins. Transient duplicates show up during reconnects when a
// client's old connection has not been reaped yet.
func DedupPresence(states []PresenceState) []PresenceState {
	index := make(map[string]int, len(states))
	out := make([]PresenceState, 0, len(states))
	for _, s := range states {
		if s.UserID == "" {
			continue
		}
		if i, ok := index[s.UserID]; ok {
			out[i] = s
			continue
		}
		index[s.UserID] = len(out)
		out = append(out, s)
	}
	return out
}
