package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/viafix/internal/chat"
	"github.com/viafix/internal/middleware"
)

type ThreadHandler struct {
	svc *chat.Service
}

func NewThreadHandler(svc *chat.Service) *ThreadHandler {
	return &ThreadHandler{svc: svc}
}

type ResolveThreadRequest struct {
	UserID string `json:"user_id"`
}

// Resolve finds or creates the caller's thread with another user. Both sides
// get the same thread regardless of who calls first.
func (h *ThreadHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveThreadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	callerID := middleware.GetUserID(r.Context())
	t, err := h.svc.Resolve(r.Context(), callerID, req.UserID)
	if err != nil {
		writeServiceError(w, err, "failed to resolve thread")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// List returns the caller's inbox: threads newest-first with names, last
// message and unread count.
func (h *ThreadHandler) List(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	threads, err := h.svc.Inbox(r.Context(), callerID)
	if err != nil {
		writeServiceError(w, err, "failed to load threads")
		return
	}
	writeJSON(w, http.StatusOK, threads)
}

// Get returns one thread with names, last message and the caller's unread
// count.
func (h *ThreadHandler) Get(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	callerID := middleware.GetUserID(r.Context())

	t, err := h.svc.ThreadDetail(r.Context(), threadID, callerID)
	if err != nil {
		writeServiceError(w, err, "failed to load thread")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Unread returns the caller's unread total across all threads, for the app
// badge.
func (h *ThreadHandler) Unread(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	total, err := h.svc.TotalUnread(r.Context(), callerID)
	if err != nil {
		writeServiceError(w, err, "failed to count unread")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total_unread": total})
}
