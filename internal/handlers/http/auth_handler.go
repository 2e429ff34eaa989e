package http

import (
	"net/http"
	"strings"
	"time"

	"relaycast/internal/core/services"
	"relaycast/pkg/errors"
	"relaycast/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues control API tokens.
type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	Subject string `json:"subject" binding:"required,min=3,max=50"`
	Role    string `json:"role" binding:"required"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.BindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Subject = strings.TrimSpace(req.Subject)
	if err := validation.ValidateSubject(req.Subject); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	role := services.Role(req.Role)
	switch role {
	case services.RoleViewer, services.RoleOperator:
	default:
		c.Error(errors.NewInvalidInputError("role must be viewer or operator"))
		return
	}

	// TODO: validate the caller against an operator credential store
	// before issuing operator tokens.
	token, err := h.authService.GenerateToken(req.Subject, role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subject":      req.Subject,
		"role":         role,
		"access_token": token,
		"expires_in":   int(h.tokenTTL / time.Second),
	})
}
