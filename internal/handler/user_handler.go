package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/service"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/response"
)

// UserHandler exposes account administration endpoints.
type UserHandler struct {
	users *service.UserService
}

// NewUserHandler creates a new handler.
func NewUserHandler(users *service.UserService) *UserHandler {
	return &UserHandler{users: users}
}

// List returns every account's public projection.
func (h *UserHandler) List(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	infos := make([]models.UserInfo, 0, len(users))
	for _, u := range users {
		infos = append(infos, u.Info())
	}
	response.JSON(c, http.StatusOK, infos)
}

// Get returns one account.
func (h *UserHandler) Get(c *gin.Context) {
	user, err := h.users.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, user.Info())
}

// Disable soft-disables an account.
func (h *UserHandler) Disable(c *gin.Context) {
	if err := h.users.Disable(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// GrantRole assigns a role to an account.
func (h *UserHandler) GrantRole(c *gin.Context) {
	var payload struct {
		Role string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "role required"))
		return
	}
	if err := h.users.GrantRole(c.Request.Context(), c.Param("id"), payload.Role); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// RevokeRole removes a role from an account.
func (h *UserHandler) RevokeRole(c *gin.Context) {
	var payload struct {
		Role string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "role required"))
		return
	}
	if err := h.users.RevokeRole(c.Request.Context(), c.Param("id"), payload.Role); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
