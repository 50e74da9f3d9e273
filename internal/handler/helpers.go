package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/storage"
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

// writeStoreError: недоступное хранилище даёт 503 (клиент может повторить), отсутствие даёт 404.
func writeStoreError(w http.ResponseWriter, err error, msg string) {
	switch {
	case storage.IsRetryable(err):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, msg)
	}
}
