package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/efox/shoplist/internal/identity"
	"github.com/efox/shoplist/internal/push"
)

type PushHandler struct {
	service  *push.Service
	notifier *push.Notifier
	logger   *slog.Logger
}

func NewPushHandler(service *push.Service, notifier *push.Notifier, logger *slog.Logger) *PushHandler {
	return &PushHandler{service: service, notifier: notifier, logger: logger}
}

type subscribeRequest struct {
	Endpoint string `json:"endpoint"`
	P256dh   string `json:"p256dh"`
	Auth     string `json:"auth"`
}

// Subscribe handles POST /api/push/subscribe. The registration is keyed to
// the caller's email, which is what list collaborators are identified by.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	user, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}

	id, err := h.notifier.SaveSubscription(r.Context(), push.Subscription{
		Email:    user.Email,
		Endpoint: req.Endpoint,
		P256dh:   req.P256dh,
		Auth:     req.Auth,
	})
	if err != nil {
		h.logger.Error("save push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// Unsubscribe handles POST /api/push/unsubscribe
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	if err := h.notifier.DeleteSubscription(r.Context(), req.Endpoint); err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if !h.service.Enabled() {
		writeError(w, http.StatusNotFound, "push notifications not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": h.service.VAPIDPublicKey()})
}
