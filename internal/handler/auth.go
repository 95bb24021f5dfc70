package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/efox/shoplist/internal/identity"
)

type AuthHandler struct {
	provider identity.Provider
	logger   *slog.Logger
}

func NewAuthHandler(provider identity.Provider, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{provider: provider, logger: logger}
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type sessionResponse struct {
	User  any    `json:"user"`
	Token string `json:"token"`
}

// SignUp handles POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	user, token, err := h.provider.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{User: user, Token: token})
}

// SignIn handles POST /auth/login
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	user, token, err := h.provider.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{User: user, Token: token})
}

// SignOut handles POST /auth/logout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing token")
		return
	}
	if err := h.provider.SignOut(r.Context(), token); err != nil {
		h.logger.Error("sign out", "error", err)
		writeError(w, http.StatusInternalServerError, "sign out failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"newPassword"`
}

// ResetPassword handles POST /auth/reset-password. The response is the same
// whether or not the email exists.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.provider.ResetPassword(r.Context(), req.Email); err != nil {
		h.logger.Error("reset password", "error", err)
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// ConfirmReset handles POST /auth/reset-password/confirm
func (h *AuthHandler) ConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := h.provider.ConfirmReset(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		h.writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, identity.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrInvalidResetCode):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("auth request", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
