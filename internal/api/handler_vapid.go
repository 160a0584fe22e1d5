package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// pushEdges are the pump transitions a browser can subscribe to.
var pushEdges = []string{"pump_on", "pump_off"}

// GetVAPIDPublicKey tells the browser how to subscribe to pump edge
// notifications. Without VAPID keys the notifier is off and 503 is returned.
func (h *Handler) GetVAPIDPublicKey(c *gin.Context) {
	if h.webpush == nil || h.webpush.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pump edge notifications are disabled"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"public_key": h.webpush.VAPIDPublicKey,
		"edges":      pushEdges,
	})
}
