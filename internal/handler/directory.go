package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/model"
)

// Directory: то, что UI-оболочке нужно от справочника.
type Directory interface {
	Participant(ctx context.Context, id string) (*model.Participant, error)
	Participants(ctx context.Context) ([]model.Participant, error)
	Channels(ctx context.Context) ([]model.Channel, error)
}

// DirectoryHandler отдаёт списки для вкладок «Каналы» и «Личные сообщения».
type DirectoryHandler struct {
	dir Directory
}

func NewDirectoryHandler(dir Directory) *DirectoryHandler {
	return &DirectoryHandler{dir: dir}
}

func (h *DirectoryHandler) GetChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := h.dir.Channels(r.Context())
	if err != nil {
		writeStoreError(w, err, "failed to get channels")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Channel{"channels": channels})
}

func (h *DirectoryHandler) GetEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.dir.Participants(r.Context())
	if err != nil {
		writeStoreError(w, err, "failed to get employees")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]model.Participant{"employees": employees})
}

func (h *DirectoryHandler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	p, err := h.dir.Participant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "failed to get employee")
		return
	}
	writeJSON(w, http.StatusOK, p)
}
