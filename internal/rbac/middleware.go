package rbac

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatcall/internal/auth"
)

// RequireGroup enforces the group invariant: group_id must exist in context.
// Membership itself is asserted by the identity provider that signed the token.
func RequireGroup() gin.HandlerFunc {
	return func(c *gin.Context) {
		gid, err := auth.GroupID(c.Request.Context())
		if err != nil || gid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "group_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// Rules:
// - admin bypasses all checks
// - unknown roles are always denied
// - group scoping is enforced via RequireGroup (use it in the chain)
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}

		if IsAdmin(role) {
			c.Next()
			return
		}

		if !IsKnownRole(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}

		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
