// Package lifecycle decides when calls start, ring, resume and end. It sits
// between the persisted call records and the media session: records are the
// source of truth, the coordinator turns them into user-facing actions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clusterdesk/clustercall/internal/models"
	"github.com/clusterdesk/clustercall/internal/rtc"
	"github.com/clusterdesk/clustercall/internal/session"
)

// ErrMediaUnavailable wraps capture-device failures. Media is acquired
// before any record is written, so a failed acquisition leaves nothing to
// roll back.
var ErrMediaUnavailable = errors.New("media unavailable")

// CallAPI is the persisted call surface the coordinator drives. The server's
// call store satisfies it directly; remote clients satisfy it over HTTP.
type CallAPI interface {
	StartCall(ctx context.Context, contextType models.ContextType, contextID, initiatorID string) (*models.CallRecord, error)
	JoinCall(ctx context.Context, callID, userID string) (*models.CallRecord, error)
	LeaveCall(ctx context.Context, callID, userID string) (*models.CallRecord, error)
	CancelCall(ctx context.Context, callID, userID string) (*models.CallRecord, error)
	ActiveCallForContext(ctx context.Context, contextType models.ContextType, contextID string) (*models.CallRecord, error)
	OpenParticipant(ctx context.Context, callID, userID string) (*models.CallParticipantRecord, error)
}

// AcquireMediaFunc opens the local capture device.
type AcquireMediaFunc func(ctx context.Context) (rtc.MediaSource, error)

// ResumeAction is the coordinator's verdict when entering a context that may
// have a call in flight.
type ResumeAction int

const (
	// ResumeNone: no open call, show the idle state.
	ResumeNone ResumeAction = iota
	// ResumeRejoin: the user has an open join interval, rejoin silently
	// without ringing.
	ResumeRejoin
	// ResumeRing: someone else's call is open here, surface a ring.
	ResumeRing
)

// ResumeResult pairs the verdict with the record it was derived from. Call
// is nil only for ResumeNone.
type ResumeResult struct {
	Action ResumeAction
	Call   *models.CallRecord
}

// Coordinator sequences call entry and exit for one user. Media always comes
// first: no call record is created or joined until the capture device is
// live, so a permission denial never leaves a ghost participant.
type Coordinator struct {
	api     CallAPI
	userID  string
	acquire AcquireMediaFunc
	logger  *slog.Logger

	mu       sync.Mutex
	presence session.Presence
	inCallID string

	rings chan session.RingEvent
}

func New(api CallAPI, userID string, acquire AcquireMediaFunc, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		api:     api,
		userID:  userID,
		acquire: acquire,
		logger:  logger.With("component", "lifecycle", "user_id", userID),
		rings:   make(chan session.RingEvent, 8),
	}
}

// SetPresence attaches the room presence publisher so in-call status is
// mirrored to people browsing the context. Safe to leave unset; the
// coordinator then only manages records and media.
func (c *Coordinator) SetPresence(p session.Presence) {
	c.mu.Lock()
	c.presence = p
	c.mu.Unlock()
}

// Start opens media, then creates a waiting call record. The returned
// MediaSource belongs to the caller, who hands it to the room session.
func (c *Coordinator) Start(ctx context.Context, contextType models.ContextType, contextID string) (rtc.MediaSource, *models.CallRecord, error) {
	media, err := c.acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	call, err := c.api.StartCall(ctx, contextType, contextID, c.userID)
	if err != nil {
		media.Close()
		return nil, nil, err
	}

	c.logger.Info("call started", "call_id", call.ID, "context", contextID)
	c.publishInCall(call.ID, true)
	return media, call, nil
}

// Join opens media, then records the join. First non-initiator join flips
// the record to active server-side.
func (c *Coordinator) Join(ctx context.Context, callID string) (rtc.MediaSource, *models.CallRecord, error) {
	media, err := c.acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}

	call, err := c.api.JoinCall(ctx, callID, c.userID)
	if err != nil {
		media.Close()
		return nil, nil, err
	}

	c.logger.Info("call joined", "call_id", call.ID, "status", call.Status)
	c.publishInCall(call.ID, true)
	return media, call, nil
}

// Leave closes the user's join interval. The store decides the terminal
// status when the last participant goes.
func (c *Coordinator) Leave(ctx context.Context, callID string) (*models.CallRecord, error) {
	call, err := c.api.LeaveCall(ctx, callID, c.userID)
	if err != nil {
		return nil, err
	}
	c.logger.Info("call left", "call_id", callID, "status", call.Status)
	c.publishInCall("", false)
	return call, nil
}

// Cancel withdraws the user's own waiting call, marking it missed.
func (c *Coordinator) Cancel(ctx context.Context, callID string) (*models.CallRecord, error) {
	call, err := c.api.CancelCall(ctx, callID, c.userID)
	if err != nil {
		return nil, err
	}
	c.logger.Info("call cancelled", "call_id", callID)
	c.publishInCall("", false)
	return call, nil
}

// Resume inspects a context on entry. The persisted record, not relay
// presence, decides the outcome: an open join interval means the user
// dropped without leaving and rejoins silently, anyone else's open call
// rings, no open call means idle.
func (c *Coordinator) Resume(ctx context.Context, contextType models.ContextType, contextID string) (ResumeResult, error) {
	call, err := c.api.ActiveCallForContext(ctx, contextType, contextID)
	if err != nil {
		return ResumeResult{}, err
	}
	if call == nil {
		return ResumeResult{Action: ResumeNone}, nil
	}

	participant, err := c.api.OpenParticipant(ctx, call.ID, c.userID)
	if err != nil {
		return ResumeResult{}, err
	}
	if participant != nil {
		c.logger.Info("resuming call", "call_id", call.ID)
		return ResumeResult{Action: ResumeRejoin, Call: call}, nil
	}
	if call.Status == models.CallStatusWaiting && call.InitiatorID == c.userID {
		// Our own unanswered call with no open interval is dead weight,
		// do not ring ourselves for it.
		return ResumeResult{Action: ResumeNone, Call: call}, nil
	}
	return ResumeResult{Action: ResumeRing, Call: call}, nil
}

// HandleRing filters a relayed ring event. Rings for our own calls and
// rings arriving while already in a call are swallowed; dismissals always
// pass through so a stale ring UI can be torn down.
func (c *Coordinator) HandleRing(ev session.RingEvent) {
	if !ev.Cancelled {
		if ev.InitiatorID == c.userID {
			return
		}
		c.mu.Lock()
		busy := c.inCallID != ""
		c.mu.Unlock()
		if busy {
			return
		}
	}
	select {
	case c.rings <- ev:
	default:
		c.logger.Warn("ring buffer full, dropping", "call_id", ev.CallID)
	}
}

// Rings delivers filtered ring events for the UI layer.
func (c *Coordinator) Rings() <-chan session.RingEvent {
	return c.rings
}

// InCall reports the call the user currently participates in, empty when
// idle.
func (c *Coordinator) InCall() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCallID
}

func (c *Coordinator) publishInCall(callID string, inCall bool) {
	c.mu.Lock()
	c.inCallID = callID
	p := c.presence
	c.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Update(func(st *models.PresenceState) {
		st.IsInCall = inCall
		st.CallID = callID
	}); err != nil {
		c.logger.Debug("publish in-call state", "error", err)
	}
}
