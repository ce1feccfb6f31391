package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleWebSocket attaches an authenticated client to a relay room. One
// socket per room: it carries presence tracking, signaling fan-out, and
// ring events for that room.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	room := c.Query("room")
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}
	userID := currentUserID(c)
	h.logger.Debug("ws connect request", "room", room, "user_id", userID, "ip", c.ClientIP())

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "room", room, "user_id", userID, "error", err)
		return
	}

	h.hub.Serve(conn, room, userID)
}
