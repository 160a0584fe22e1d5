package mw

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// BearerAuth rejects requests whose Authorization header does not pass
// check. onReject, if set, runs before the 401 is written.
func BearerAuth(check func(header string) bool, onReject func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !check(c.GetHeader("Authorization")) {
			if onReject != nil {
				onReject()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}
