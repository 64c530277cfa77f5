package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashreport/flashreport/internal/auth"
)

// AuthHandler handles authentication endpoints
type AuthHandler struct {
	auth   *auth.Authenticator
	logger *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(authenticator *auth.Authenticator, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{auth: authenticator, logger: logger}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Password string `json:"password"`
}

// LoginResponse represents a login response
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, expiresAt, err := h.auth.Login(req.Password)
	if errors.Is(err, auth.ErrDisabled) {
		writeError(w, http.StatusServiceUnavailable, "Admin login is not configured")
		return
	}
	if err != nil {
		h.logger.Warn("failed login attempt", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "Invalid password")
		return
	}

	h.logger.Info("admin login")
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt}, h.logger)
}
