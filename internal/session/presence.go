package session

import (
	"context"

	"github.com/clusterdesk/clustercall/internal/models"
)

// Presence publishes the local participant's state to a call room and
// observes the room's membership.
type Presence interface {
	// Join announces the local participant. It must be called before
	// Update or Leave.
	Join(ctx context.Context, self models.PresenceState) error
	// Update mutates the published state in place and re-announces it.
	Update(mutate func(*models.PresenceState)) error
	// Leave withdraws the local participant from the room.
	Leave() error
	// Sync delivers deduplicated membership snapshots. The channel closes
	// when the underlying connection is gone.
	Sync() <-chan []models.PresenceState
}

// Signaler exchanges peer negotiation messages through the room.
type Signaler interface {
	Send(msg models.SignalMessage) error
	// Messages delivers signals fanned out to the room, including ones
	// addressed to other participants. The channel closes when the
	// underlying connection is gone.
	Messages() <-chan models.SignalMessage
}

// RingEvent is an incoming ring or ring dismissal for a call context.
type RingEvent struct {
	CallID      string
	ContextType models.ContextType
	ContextID   string
	InitiatorID string
	Cancelled   bool
}
