package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/viafix/internal/chat"
	"github.com/viafix/internal/logger"
	"github.com/viafix/internal/repository"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("writeJSON encode: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps chat service errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, chat.ErrForbidden):
		writeError(w, http.StatusForbidden, "not a thread participant")
	case errors.Is(err, chat.ErrSelfThread):
		writeError(w, http.StatusBadRequest, "cannot open thread with yourself")
	case errors.Is(err, chat.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "message content is empty")
	default:
		logger.Errorf("%s: %v", fallback, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
