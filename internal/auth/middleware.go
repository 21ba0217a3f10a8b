package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"qrollcall/internal/attendance"
)

const identityKey = "identity"

// Require enforces bearer JWTs signed with HS256 and stores the caller
// identity on the gin context.
func Require(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth_required"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth_required"})
			return
		}
		c.Set(identityKey, attendance.Identity{
			UID:   claims.UID,
			Role:  claims.Role,
			Email: claims.Email,
			Admin: claims.Admin,
		})
		c.Next()
	}
}

// RequireStaff rejects callers without an instructor or admin role.
// Runs after Require.
func RequireStaff() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := IdentityFrom(c)
		if id.Admin || id.Role == "admin" || id.Role == "instructor" {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
	}
}

// IdentityFrom returns the authenticated caller, zero when absent.
func IdentityFrom(c *gin.Context) attendance.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return attendance.Identity{}
	}
	id, _ := v.(attendance.Identity)
	return id
}
