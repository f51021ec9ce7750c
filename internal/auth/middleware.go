package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by the middleware.
const (
	ContextKeyUserID = "user_id"
	ContextKeyEmail  = "user_email"
)

// Middleware rejects requests without a valid Bearer token and stores
// the caller's identity on the gin context.
func Middleware(jwt *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "malformed authorization header"})
			return
		}

		claims, err := jwt.ValidateAccessToken(parts[1])
		if err != nil {
			msg := "invalid token"
			if err == ErrTokenExpired {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyEmail, claims.Email)
		c.Next()
	}
}

// UserID returns the authenticated caller's ID.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
