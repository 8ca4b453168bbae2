package handler

import (
	"encoding/json"
	"net/http"

	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/middleware"
	"github.com/viafix/internal/push"
)

// PushHandler proxies subscription management to the push service so browsers
// only ever talk to the api service.
type PushHandler struct {
	client *push.Client
}

func NewPushHandler(client *push.Client) *PushHandler {
	return &PushHandler{client: client}
}

// PublicKey hands out the VAPID public key for PushManager.subscribe.
func (h *PushHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	if !h.client.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push service not configured")
		return
	}
	key, err := h.client.PublicKey(r.Context())
	if err != nil {
		logger.Errorf("push public key: %v", err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}

// Subscribe stores the caller's browser push subscription.
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var sub push.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint required")
		return
	}

	callerID := middleware.GetUserID(r.Context())
	if err := h.client.Subscribe(r.Context(), callerID, sub); err != nil {
		logger.Errorf("push subscribe user=%s: %v", callerID, err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

// Unsubscribe removes one of the caller's subscriptions by endpoint.
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	callerID := middleware.GetUserID(r.Context())
	if err := h.client.Unsubscribe(r.Context(), callerID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe user=%s: %v", callerID, err)
		writeError(w, http.StatusBadGateway, "push service unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
