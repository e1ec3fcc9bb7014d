package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserIDKey = "user_id"
	ContextRolesKey  = "user_roles"
)

func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextUserIDKey, claims.Subject)
		c.Set(ContextRolesKey, claims.Roles)
		c.Next()
	}
}

// OptionalMiddleware resolves the subject when a valid bearer token is
// present, and lets anonymous requests through untouched. For public routes
// that still want to attribute traffic to a user when they can.
func OptionalMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := ExtractBearer(c.GetHeader("Authorization")); token != "" {
			if claims, err := ParseJWT(token, secret); err == nil && claims.Subject != "" {
				c.Set(ContextUserIDKey, claims.Subject)
				c.Set(ContextRolesKey, claims.Roles)
			}
		}
		c.Next()
	}
}

// RequireRole aborts with 403 unless the authenticated token carries the
// given role. Must run after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(ContextRolesKey)
		if ok {
			if roles, ok := v.([]string); ok {
				for _, r := range roles {
					if r == role {
						c.Next()
						return
					}
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "insufficient role"})
	}
}

// UserID returns the authenticated subject set by Middleware, or "".
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ContextUserIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
