package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "quota-shortener/pkg/errors"
)

// OwnerIDKey is the gin context key holding the authenticated owner id
const OwnerIDKey = "ownerId"

// Authenticator resolves a bearer token to an owner id
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// RequireAuth rejects requests without a valid bearer token
func RequireAuth(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			_ = c.Error(apperrors.Unauthorized("Authorization header required"))
			c.Abort()
			return
		}

		ownerID, err := auth.Authenticate(c.Request.Context(), token)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Set(OwnerIDKey, ownerID)
		c.Next()
	}
}

// BearerToken extracts the token from "Authorization: Bearer <token>"
func BearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// OwnerID returns the id set by RequireAuth, or "" on public routes
func OwnerID(c *gin.Context) string {
	return c.GetString(OwnerIDKey)
}
