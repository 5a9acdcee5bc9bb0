package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/veyra/trustcore/internal/service"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/response"
)

// ContextUserKey is the gin context key storing token claims.
const ContextUserKey = "currentUser"

// JWT protects routes by requiring a valid access token.
func JWT(sessions *service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header"))
			c.Abort()
			return
		}

		claims := sessions.Validate(parts[1])
		if claims == nil {
			response.Error(c, appErrors.Clone(appErrors.ErrTokenInvalid, "token rejected"))
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}
