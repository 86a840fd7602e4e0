package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"escrowflow/account"
)

// TokenVerifier validates a bearer token and returns the caller's handle
// and role.
type TokenVerifier interface {
	VerifyToken(token string) (string, account.Role, error)
}

const (
	ctxUsername = "username"
	ctxRole     = "role"
)

// AuthMiddleware rejects requests without a valid bearer token and stows
// the caller identity in the request context.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing bearer token"})
			return
		}

		handle, role, err := verifier.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}

		c.Set(ctxUsername, handle)
		c.Set(ctxRole, string(role))
		c.Next()
	}
}
