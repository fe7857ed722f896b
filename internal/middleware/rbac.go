package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/campusops/progress-api/internal/models"
	appErrors "github.com/campusops/progress-api/pkg/errors"
	"github.com/campusops/progress-api/pkg/response"
)

// Roles understood by this service. Students may only read their own progress.
const (
	RoleAdmin     = "admin"
	RoleRegistrar = "registrar"
	RoleStudent   = "student"

	// AllowSelf grants access when the :id path parameter matches the caller.
	AllowSelf = "SELF"
)

// RBAC enforces role-based access control for routes.
func RBAC(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		allowSelf := false
		allowedRoles := make(map[string]struct{})
		for _, a := range allowed {
			if a == AllowSelf {
				allowSelf = true
				continue
			}
			allowedRoles[a] = struct{}{}
		}

		if _, ok := allowedRoles[claims.Role]; ok {
			c.Next()
			return
		}

		if allowSelf {
			if targetID := c.Param("id"); targetID != "" && targetID == claims.UserID {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
