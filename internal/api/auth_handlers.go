package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/parking-es/internal/api/middleware"
	"github.com/example/parking-es/internal/apperr"
	"github.com/example/parking-es/internal/auth"
	"github.com/example/parking-es/internal/command"
	"github.com/example/parking-es/internal/domain/user"
	"github.com/example/parking-es/internal/query"
)

const refreshCookiePath = "/auth/refresh"

// AuthHandlers handles authentication-related HTTP requests
type AuthHandlers struct {
	userService  *user.Service
	jwtService   *auth.JWTService
	queryHandler *query.Handler
}

// NewAuthHandlers creates a new AuthHandlers instance
func NewAuthHandlers(userService *user.Service, jwtService *auth.JWTService, queryHandler *query.Handler) *AuthHandlers {
	return &AuthHandlers{
		userService:  userService,
		jwtService:   jwtService,
		queryHandler: queryHandler,
	}
}

// RegisterRequest represents the registration request body
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name" binding:"required"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UserResponse represents user data in responses
type UserResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	AggregateID string       `json:"aggregate_id"`
	Version     int          `json:"version"`
	User        UserResponse `json:"user"`
	AccessToken string       `json:"access_token,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at,omitempty"`
	Message     string       `json:"message,omitempty"`
}

func userResponse(u *user.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
	}
}

// Register handles user registration. New accounts are always customers.
func (h *AuthHandlers) Register(c *gin.Context) {
	var req RegisterRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.userService.Register(c.Request.Context(), command.RegisterUser{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Role:     user.RoleCustomer,
	})
	if err != nil {
		if apperr.IsCode(err, apperr.CodeInvariant) {
			RespondStatus(c, http.StatusConflict, string(apperr.CodeConflict), "email already registered")
			return
		}
		RespondError(c, err)
		return
	}

	u := res.State.(*user.User)
	token, expiresAt := h.setAuthCookies(c, u)
	c.JSON(http.StatusCreated, AuthResponse{
		AggregateID: res.AggregateID,
		Version:     res.Version,
		User:        userResponse(u),
		AccessToken: token,
		ExpiresAt:   expiresAt,
		Message:     "Registration successful",
	})
}

// Login handles user login against the user's own event stream.
func (h *AuthHandlers) Login(c *gin.Context) {
	var req LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	u, err := h.userService.Authenticate(c.Request.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case apperr.IsCode(err, apperr.CodeValidation):
		RespondStatus(c, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	case apperr.IsCode(err, apperr.CodeInvariant):
		RespondStatus(c, http.StatusForbidden, "forbidden", "account is deactivated")
		return
	default:
		RespondError(c, err)
		return
	}

	token, expiresAt := h.setAuthCookies(c, u)
	RespondOK(c, AuthResponse{
		AggregateID: u.ID,
		Version:     u.Version(),
		User:        userResponse(u),
		AccessToken: token,
		ExpiresAt:   expiresAt,
		Message:     "Login successful",
	})
}

// Logout handles user logout
func (h *AuthHandlers) Logout(c *gin.Context) {
	h.clearAuthCookies(c)
	RespondOK(c, gin.H{"message": "Logout successful"})
}

// Refresh handles token refresh
func (h *AuthHandlers) Refresh(c *gin.Context) {
	refreshToken, err := c.Cookie("refresh_token")
	if err != nil || refreshToken == "" {
		RespondStatus(c, http.StatusUnauthorized, "unauthorized", "no refresh token")
		return
	}

	userID, err := h.jwtService.ValidateRefreshToken(refreshToken)
	if err != nil {
		h.clearAuthCookies(c)
		RespondStatus(c, http.StatusUnauthorized, "unauthorized", "invalid refresh token")
		return
	}

	u, err := h.queryHandler.GetUser(c.Request.Context(), userID)
	if err != nil {
		h.clearAuthCookies(c)
		RespondStatus(c, http.StatusUnauthorized, "unauthorized", "user not found")
		return
	}
	if !u.IsActive {
		h.clearAuthCookies(c)
		RespondStatus(c, http.StatusForbidden, "forbidden", "account is deactivated")
		return
	}

	token, expiresAt := h.issue(c, u.ID, u.Email, u.Role)
	RespondOK(c, AuthResponse{
		AggregateID: u.ID,
		Version:     u.LastVersion,
		User:        UserResponse{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, IsActive: u.IsActive, CreatedAt: u.CreatedAt},
		AccessToken: token,
		ExpiresAt:   expiresAt,
		Message:     "Token refreshed",
	})
}

// Me returns the current authenticated user's information
func (h *AuthHandlers) Me(c *gin.Context) {
	u, err := h.queryHandler.GetUser(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, u)
}

// UpdateProfile changes the caller's display name.
func (h *AuthHandlers) UpdateProfile(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.userService.UpdateProfile(c.Request.Context(), command.UpdateProfile{
		UserID: middleware.GetUserID(c),
		Name:   req.Name,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, CommandResponse{AggregateID: res.AggregateID, Version: res.Version, State: userResponse(res.State.(*user.User))})
}

// Deactivate disables an account (admin only).
func (h *AuthHandlers) Deactivate(c *gin.Context) {
	res, err := h.userService.Deactivate(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, CommandResponse{AggregateID: res.AggregateID, Version: res.Version, State: userResponse(res.State.(*user.User))})
}

// Helper methods

func (h *AuthHandlers) setAuthCookies(c *gin.Context, u *user.User) (string, time.Time) {
	return h.issue(c, u.ID, u.Email, u.Role)
}

func (h *AuthHandlers) issue(c *gin.Context, userID, email, role string) (string, time.Time) {
	accessToken, accessExpiry, _ := h.jwtService.GenerateAccessToken(userID, email, role)
	refreshToken, _, _ := h.jwtService.GenerateRefreshToken(userID)
	secure := c.Request.TLS != nil

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie("access_token", accessToken, int(h.jwtService.AccessExpiry().Seconds()), "/", "", secure, true)
	c.SetCookie("refresh_token", refreshToken, int(h.jwtService.RefreshExpiry().Seconds()), refreshCookiePath, "", secure, true)
	return accessToken, accessExpiry
}

func (h *AuthHandlers) clearAuthCookies(c *gin.Context) {
	c.SetCookie("access_token", "", -1, "/", "", false, true)
	c.SetCookie("refresh_token", "", -1, refreshCookiePath, "", false, true)
}
