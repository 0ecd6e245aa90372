package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/portfolio-risk/api/internal/infrastructure/token"
	"github.com/portfolio-risk/api/internal/pkg/apperror"
	"github.com/portfolio-risk/api/internal/pkg/response"
)

const (
	UserIDKey   = "user_id"
	UsernameKey = "username"
)

// TokenParser verifies access tokens.
type TokenParser interface {
	Parse(raw string) (*token.Claims, error)
}

// JWTAuth requires a valid bearer token and stores the caller's id and
// username in the context.
func JWTAuth(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			c.Header("WWW-Authenticate", `Bearer realm="identity"`)
			response.Error(c, apperror.AuthenticationError("Missing bearer token", "Log in to obtain an access token"))
			c.Abort()
			return
		}

		claims, err := parser.Parse(strings.TrimSpace(raw))
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="identity", error="invalid_token"`)
			response.Error(c, apperror.AuthenticationError("Invalid or expired access token", "Log in again"))
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UsernameKey, claims.Username)
		c.Next()
	}
}
