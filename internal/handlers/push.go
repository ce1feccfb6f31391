package handlers

import (
	"net/http"

	"github.com/clusterdesk/clustercall/internal/models"

	"github.com/gin-gonic/gin"
)

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	ContextType models.ContextType `json:"context_type" binding:"required,oneof=cluster project fyp"`
	ContextID   string             `json:"context_id" binding:"required"`
	Endpoint    string             `json:"endpoint" binding:"required"`
	Keys        pushSubscribeKeys  `json:"keys" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"publicKey": h.config.VAPIDKeys.PublicKey,
	})
}

// SubscribePush registers the caller for ring notifications on a context.
// Re-subscribing with the same context replaces the previous endpoint, so a
// user holds at most one subscription per context per browser install.
func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := currentUserID(c)

	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.db.Where("user_id = ? AND context_type = ? AND context_id = ?",
		userID, req.ContextType, req.ContextID).
		Delete(&models.PushSubscription{}).Error; err != nil {
		h.logger.Warn("failed to drop old subscriptions", "user_id", userID, "error", err)
	}

	subscription := models.PushSubscription{
		UserID:      userID,
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
		Endpoint:    req.Endpoint,
		P256DH:      req.Keys.P256DH,
		Auth:        req.Keys.Auth,
	}
	if err := h.db.Create(&subscription).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}

	c.JSON(http.StatusCreated, subscription)
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := currentUserID(c)

	var req struct {
		Endpoint string `json:"endpoint" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := h.db.Where("user_id = ? AND endpoint = ?", userID, req.Endpoint).
		Delete(&models.PushSubscription{})
	if res.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if res.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed"})
}
