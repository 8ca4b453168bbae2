package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/viafix/internal/chat"
	"github.com/viafix/internal/middleware"
)

type MessageHandler struct {
	svc *chat.Service
}

func NewMessageHandler(svc *chat.Service) *MessageHandler {
	return &MessageHandler{svc: svc}
}

// List returns a thread's full history, oldest first.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	callerID := middleware.GetUserID(r.Context())

	msgs, err := h.svc.Messages(r.Context(), threadID, callerID)
	if err != nil {
		writeServiceError(w, err, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type SendMessageRequest struct {
	Content   string `json:"content"`
	ClientRef string `json:"client_ref"`
}

// Send is the HTTP fallback for clients without a live WebSocket. The message
// still flows through the change feed, so connected devices update.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	callerID := middleware.GetUserID(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	m, err := h.svc.Send(r.Context(), threadID, callerID, req.Content, req.ClientRef)
	if err != nil {
		writeServiceError(w, err, "failed to send message")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// MarkRead flips the caller's unread messages in a thread and zeroes their
// count.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	callerID := middleware.GetUserID(r.Context())

	n, err := h.svc.MarkRead(r.Context(), threadID, callerID)
	if err != nil {
		writeServiceError(w, err, "failed to mark read")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}
