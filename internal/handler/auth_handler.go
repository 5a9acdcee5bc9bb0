package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veyra/trustcore/internal/middleware"
	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/service"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/response"
)

// AuthHandler wires HTTP endpoints to the session authority and user
// service.
type AuthHandler struct {
	sessions *service.SessionService
	users    *service.UserService
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(sessions *service.SessionService, users *service.UserService) *AuthHandler {
	return &AuthHandler{sessions: sessions, users: users}
}

// Register creates a new account.
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid registration payload"))
		return
	}

	user, err := h.users.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, user.Info())
}

// Login authenticates credentials and issues a session.
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	res, err := h.sessions.Authenticate(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}

// Refresh exchanges a refresh token for a new access token.
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid refresh payload"))
		return
	}

	res, err := h.sessions.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, res)
}

// Logout terminates the caller's session.
func (h *AuthHandler) Logout(c *gin.Context) {
	claimsValue, ok := c.Get(middleware.ContextUserKey)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	claims := claimsValue.(*models.TokenClaims)

	if err := h.sessions.Logout(claims.SessionID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ChangePassword rotates the caller's password.
func (h *AuthHandler) ChangePassword(c *gin.Context) {
	claimsValue, ok := c.Get(middleware.ContextUserKey)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	claims := claimsValue.(*models.TokenClaims)

	var payload struct {
		CurrentPassword string `json:"current_password" binding:"required"`
		NewPassword     string `json:"new_password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid password payload"))
		return
	}

	if err := h.users.ChangePassword(c.Request.Context(), claims.UserID, payload.CurrentPassword, payload.NewPassword); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
