package relay

import (
	"encoding/json"

	"github.com/clusterdesk/clustercall/internal/models"
)

// Envelope is the wire frame for everything crossing a room socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope types. Client-to-server: track, update, untrack, signal, ping.
// Server-to-client: sync, signal, ring, ring-cancel.
const (
	TypeTrack      = "track"
	TypeUpdate     = "update"
	TypeUntrack    = "untrack"
	TypeSignal     = "signal"
	TypeSync       = "sync"
	TypeRing       = "ring"
	TypeRingCancel = "ring-cancel"
	TypePing       = "ping"
)

// SyncData carries the full deduplicated participant set of a room. Every
// membership change produces a fresh snapshot; clients reconcile against it
// rather than against incremental events.
type SyncData struct {
	Participants []models.PresenceState `json:"participants"`
}

// RingData announces a call record entering or leaving the waiting state.
type RingData struct {
	CallID      string             `json:"call_id"`
	ContextType models.ContextType `json:"context_type,omitempty"`
	ContextID   string             `json:"context_id,omitempty"`
	InitiatorID string             `json:"initiator_id,omitempty"`
}

// RoomKey is the relay room for one call context.
func RoomKey(contextType models.ContextType, contextID string) string {
	return "ctx:" + string(contextType) + ":" + contextID
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// MarshalEnvelope encodes a typed payload into a wire frame.
func MarshalEnvelope(envType string, data any) []byte {
	b, _ := json.Marshal(Envelope{Type: envType, Data: mustMarshal(data)})
	return b
}
