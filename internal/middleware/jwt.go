package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stagecall/backend/internal/identity"
	"github.com/stagecall/backend/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = "user_id"
	// ContextUserEmail is the key for user email in gin context.
	ContextUserEmail = "user_email"
	// ContextAnonymous is the key for the anonymous flag in gin context.
	ContextAnonymous = "anonymous"
)

// JWT returns a middleware that validates the bearer token and sets identity
// claims in context.
func JWT(tokens *identity.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		claims, err := tokens.Validate(parts[1])
		if err != nil {
			response.Unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserEmail, claims.Email)
		c.Set(ContextAnonymous, claims.Anonymous)
		c.Next()
	}
}
