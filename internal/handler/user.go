package handler

import (
	"net/http"
	"strings"

	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/middleware"
	"github.com/viafix/internal/model"
	"github.com/viafix/internal/repository"
)

type UserHandler struct {
	repo *repository.UserRepository
}

func NewUserHandler(repo *repository.UserRepository) *UserHandler {
	return &UserHandler{repo: repo}
}

const searchLimit = 20

// Search finds users by name prefix, excluding the caller. Used to pick a
// counterpart before opening a thread.
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q required")
		return
	}

	callerID := middleware.GetUserID(r.Context())
	users, err := h.repo.SearchByName(r.Context(), callerID, q, searchLimit)
	if err != nil {
		logger.Errorf("user search q=%q: %v", q, err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	out := make([]model.UserPublic, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToPublic())
	}
	writeJSON(w, http.StatusOK, out)
}

// Me returns the caller's own profile.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	u, err := h.repo.GetByID(r.Context(), callerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u.ToPublic())
}
