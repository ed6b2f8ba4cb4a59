package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tourbook/auth-service/internal/model"
	"github.com/tourbook/auth-service/internal/service"
)

type AuthHandler struct {
	svc       *service.AuthService
	publicKey string
}

func NewAuthHandler(svc *service.AuthService, publicKey string) *AuthHandler {
	return &AuthHandler{svc: svc, publicKey: publicKey}
}

// Register godoc
// @Summary Register a new user
// @Description No tokens are issued; log in afterwards.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.RegisterRequest true "Email, password and optional name"
// @Success 201 {object} model.RegisterResponse
// @Failure 400 {object} model.ErrorResponse
// @Failure 409 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req model.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Email and password are required"})
		return
	}

	account, err := h.svc.Register(c.Request.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		writeAuthError(c, err)
		return
	}

	c.JSON(http.StatusCreated, model.RegisterResponse{
		Message: "User registered successfully",
		User:    *account,
	})
}

// Login godoc
// @Summary Login
// @Description Rate limited per client IP.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.LoginRequest true "Email and password"
// @Success 200 {object} model.TokenPair
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 403 {object} model.ErrorResponse
// @Failure 429 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Email) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Email and password are required"})
		return
	}

	pair, err := h.svc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Refresh godoc
// @Summary Rotate a refresh token
// @Description The presented refresh token is revoked; use the returned pair from now on.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body model.RefreshRequest true "Refresh token"
// @Success 200 {object} model.TokenPair
// @Failure 400 {object} model.ErrorResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	var req model.RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{Error: "Refresh token is required"})
		return
	}

	pair, err := h.svc.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Me godoc
// @Summary Get current user
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.AccountProfile
// @Failure 401 {object} model.ErrorResponse
// @Failure 404 {object} model.ErrorResponse
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	claims := GetAuthClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: "Access token required"})
		return
	}

	profile, err := h.svc.GetAccount(c.Request.Context(), claims.UserID)
	if err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

// Logout godoc
// @Summary Logout
// @Description Revokes every refresh token of the user and blacklists the presented access token.
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.MessageResponse
// @Failure 401 {object} model.ErrorResponse
// @Failure 503 {object} model.ErrorResponse
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := GetAuthClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, model.ErrorResponse{Error: "Access token required"})
		return
	}

	if err := h.svc.Logout(c.Request.Context(), claims.UserID, GetAccessToken(c)); err != nil {
		writeAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.MessageResponse{Message: "Logged out successfully"})
}

// Validate godoc
// @Summary Validate an access token
// @Description Used by other services to authorize requests.
// @Tags auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} model.ValidateResponse
// @Failure 401 {object} model.ValidateResponse
// @Failure 503 {object} model.ValidateResponse
// @Router /auth/validate [get]
func (h *AuthHandler) Validate(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, model.ValidateResponse{Valid: false, Error: "Access token required"})
		return
	}

	claims, err := h.svc.ValidateToken(c.Request.Context(), token)
	if err != nil {
		status, message := authErrorStatus(err)
		c.JSON(status, model.ValidateResponse{Valid: false, Error: message})
		return
	}
	c.JSON(http.StatusOK, model.ValidateResponse{Valid: true, Decoded: claims})
}

// PublicKey godoc
// @Summary Signing metadata
// @Tags auth
// @Produce json
// @Success 200 {object} model.PublicKeyResponse
// @Router /auth/public-key [get]
func (h *AuthHandler) PublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, model.PublicKeyResponse{
		PublicKey: h.publicKey,
		Algorithm: h.svc.Algorithm(),
		KeyID:     h.svc.KeyID(),
	})
}

func writeAuthError(c *gin.Context, err error) {
	status, message := authErrorStatus(err)
	c.JSON(status, model.ErrorResponse{Error: message})
}

func authErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidEmail):
		return http.StatusBadRequest, "Invalid email format"
	case errors.Is(err, service.ErrWeakPassword):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrEmailTaken):
		return http.StatusConflict, "User already exists"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid credentials"
	case errors.Is(err, service.ErrAccountDisabled):
		return http.StatusForbidden, "Account is disabled"
	case errors.Is(err, service.ErrAccountNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, "Invalid token"
	case errors.Is(err, service.ErrTokenExpired):
		return http.StatusUnauthorized, "Token expired"
	case errors.Is(err, service.ErrTokenRevoked):
		return http.StatusUnauthorized, "Token has been revoked"
	case errors.Is(err, service.ErrDependencyUnavailable):
		return http.StatusServiceUnavailable, "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
