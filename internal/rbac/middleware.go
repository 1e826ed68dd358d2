package rbac

import (
	"net/http"

	"telecom-callflow/internal/auth"

	"github.com/gin-gonic/gin"
)

// Require is the usual chain for protected routes: a workspace, then one of roles.
func Require(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{RequireWorkspace(), RequireAnyRole(roles...)}
}

// RequireWorkspace rejects callers without a workspace_id.
// Call visibility is scoped by that workspace unless the caller is super_admin.
func RequireWorkspace() gin.HandlerFunc {
	return func(c *gin.Context) {
		if auth.IdentityFrom(c.Request.Context()).WorkspaceID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "workspace_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// super_admin always passes. Hidden roles pass only when listed, like any other role.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role := auth.IdentityFrom(c.Request.Context()).Role
		if role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
