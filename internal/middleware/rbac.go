package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/service"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/response"
)

// RequirePermission enforces the named permission through the
// authorization engine. Requests without valid claims are rejected.
func RequirePermission(authz *service.AuthzService, permission, resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.TokenClaims)

		if !authz.HasPermission(claims.UserID, permission, resource, nil) {
			response.Error(c, appErrors.ErrAuthorizationDenied)
			c.Abort()
			return
		}
		c.Next()
	}
}
