package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth validates the Authorization: Bearer <token> header against
// token. If token is empty the middleware always rejects, so a missing
// server.auth_token fails closed rather than leaving the worker edge open.
func BearerAuth(token string) gin.HandlerFunc {
	tokenBytes := []byte(token)

	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "server misconfigured: auth_token not set",
			})
			return
		}

		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		presented := []byte(strings.TrimPrefix(header, prefix))

		if subtle.ConstantTimeCompare(presented, tokenBytes) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// UserID extracts the calling worker's user_id, set by an upstream auth
// layer onto the X-User-ID header (the outer Kanban application resolves
// the Bearer token to a user; this core trusts that header once BearerAuth
// has passed).
func UserID(c *gin.Context) string {
	return c.GetHeader("X-User-ID")
}
