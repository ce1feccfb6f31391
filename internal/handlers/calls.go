package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/clusterdesk/clustercall/internal/models"
	"github.com/clusterdesk/clustercall/internal/relay"
	"github.com/clusterdesk/clustercall/internal/store"

	"github.com/gin-gonic/gin"
)

type startCallRequest struct {
	ContextType models.ContextType `json:"context_type" binding:"required,oneof=cluster project fyp"`
	ContextID   string             `json:"context_id" binding:"required"`
}

func (h *Handlers) StartCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	call, err := h.calls.StartCall(c.Request.Context(), req.ContextType, req.ContextID, currentUserID(c))
	if err != nil {
		if errors.Is(err, store.ErrCallExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "context already has an open call"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.ring(call)
	c.JSON(http.StatusCreated, call)
}

func (h *Handlers) GetCall(c *gin.Context) {
	call, err := h.calls.GetCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		h.writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h *Handlers) JoinCall(c *gin.Context) {
	wasWaiting := false
	if before, err := h.calls.GetCall(c.Request.Context(), c.Param("call_id")); err == nil {
		wasWaiting = before.Status == models.CallStatusWaiting
	}

	call, err := h.calls.JoinCall(c.Request.Context(), c.Param("call_id"), currentUserID(c))
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	// First answer dismisses the ring for everyone else.
	if wasWaiting && call.Status == models.CallStatusActive {
		h.ringCancel(call)
	}
	c.JSON(http.StatusOK, call)
}

func (h *Handlers) LeaveCall(c *gin.Context) {
	call, err := h.calls.LeaveCall(c.Request.Context(), c.Param("call_id"), currentUserID(c))
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	// Leaving while still waiting counts as a cancel.
	if call.Status == models.CallStatusMissed {
		h.ringCancel(call)
	}
	c.JSON(http.StatusOK, call)
}

func (h *Handlers) CancelCall(c *gin.Context) {
	call, err := h.calls.CancelCall(c.Request.Context(), c.Param("call_id"), currentUserID(c))
	if err != nil {
		h.writeCallError(c, err)
		return
	}

	h.ringCancel(call)
	c.JSON(http.StatusOK, call)
}

// GetContextCall is the auto-rejoin probe: the open call for a context plus
// whether the caller still holds an open participant interval on it.
func (h *Handlers) GetContextCall(c *gin.Context) {
	contextType := models.ContextType(c.Param("context_type"))
	contextID := c.Param("context_id")

	call, err := h.calls.ActiveCallForContext(c.Request.Context(), contextType, contextID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if call == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no open call"})
		return
	}

	participant, err := h.calls.OpenParticipant(c.Request.Context(), call.ID, currentUserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call":        call,
		"rejoinable":  participant != nil,
		"participant": participant,
	})
}

// ExpireWaitingCalls flips rung-out calls to missed and dismisses their
// rings. Driven by the sweeper in cmd/server on the configured interval.
func (h *Handlers) ExpireWaitingCalls(ctx context.Context) {
	expired, err := h.calls.ExpireStaleWaiting(ctx, h.config.RingTimeout)
	if err != nil {
		h.logger.Error("ring sweep failed", "error", err)
		return
	}
	for i := range expired {
		h.logger.Info("call rang out", "call_id", expired[i].ID,
			"context_type", expired[i].ContextType, "context_id", expired[i].ContextID)
		h.ringCancel(&expired[i])
	}
}

func (h *Handlers) ring(call *models.CallRecord) {
	data := relay.RingData{
		CallID:      call.ID,
		ContextType: call.ContextType,
		ContextID:   call.ContextID,
		InitiatorID: call.InitiatorID,
	}
	h.hub.BroadcastRing(relay.RoomKey(call.ContextType, call.ContextID), relay.TypeRing, data)
	go h.pusher.Ring(context.Background(), call)
}

func (h *Handlers) ringCancel(call *models.CallRecord) {
	data := relay.RingData{CallID: call.ID}
	h.hub.BroadcastRing(relay.RoomKey(call.ContextType, call.ContextID), relay.TypeRingCancel, data)
	go h.pusher.RingCancel(context.Background(), call)
}

func (h *Handlers) writeCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrCallNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
	case errors.Is(err, store.ErrCallOver):
		c.JSON(http.StatusConflict, gin.H{"error": "call ended"})
	case errors.Is(err, store.ErrNotWaiting):
		c.JSON(http.StatusConflict, gin.H{"error": "call is not waiting"})
	case errors.Is(err, store.ErrNotInitiator):
		c.JSON(http.StatusForbidden, gin.H{"error": "only the initiator may cancel"})
	case errors.Is(err, store.ErrNotParticipant):
		c.JSON(http.StatusConflict, gin.H{"error": "not a participant"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
