package handler

import (
	"encoding/json"
	"net/http"

	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/middleware"
	"github.com/viafix/internal/model"
	"github.com/viafix/internal/repository"
)

type SettingsHandler struct {
	repo *repository.SettingsRepository
}

func NewSettingsHandler(repo *repository.SettingsRepository) *SettingsHandler {
	return &SettingsHandler{repo: repo}
}

// Get returns the caller's notification settings, defaults if never saved.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	callerID := middleware.GetUserID(r.Context())
	s, err := h.repo.Get(r.Context(), callerID)
	if err != nil {
		logger.Errorf("settings get user=%s: %v", callerID, err)
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

type UpdateSettingsRequest struct {
	SoundEnabled  bool `json:"sound_enabled"`
	SystemEnabled bool `json:"system_enabled"`
	ToastEnabled  bool `json:"toast_enabled"`
}

// Update replaces the caller's notification settings. Takes effect on the
// next incoming message; no reconnect needed.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	callerID := middleware.GetUserID(r.Context())
	s := &model.NotificationSettings{
		UserID:        callerID,
		SoundEnabled:  req.SoundEnabled,
		SystemEnabled: req.SystemEnabled,
		ToastEnabled:  req.ToastEnabled,
	}
	if err := h.repo.Upsert(r.Context(), s); err != nil {
		logger.Errorf("settings update user=%s: %v", callerID, err)
		writeError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}
	writeJSON(w, http.StatusOK, s)
}
