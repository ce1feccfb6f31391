package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetICEConfig hands clients the fixed public STUN endpoints used for ICE
// gathering. There is no TURN relay in this deployment.
func (h *Handlers) GetICEConfig(c *gin.Context) {
	iceServers := make([]gin.H, 0, len(h.config.STUNServers))
	for _, url := range h.config.STUNServers {
		iceServers = append(iceServers, gin.H{"urls": url})
	}

	c.JSON(http.StatusOK, gin.H{
		"iceServers": iceServers,
	})
}
