package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

// AccessChecker решает, может ли участник читать беседу.
type AccessChecker interface {
	CanAccess(ctx context.Context, participantID, conversationID string) (bool, error)
}

// HistoryHandler отдаёт полную историю беседы. Не зависит от WebSocket-соединения.
type HistoryHandler struct {
	store   storage.MessageStore
	access  AccessChecker
	timeout time.Duration
}

func NewHistoryHandler(store storage.MessageStore, access AccessChecker, timeout time.Duration) *HistoryHandler {
	return &HistoryHandler{store: store, access: access, timeout: timeout}
}

type historyResponse struct {
	Messages []model.Message `json:"messages"`
}

// GetMessages: GET /api/conversations/{conversationId}/messages.
func (h *HistoryHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	defer logger.DeferLogDuration("http.GetMessages", time.Now())()
	conv := chi.URLParam(r, "conversationId")
	participantID := middleware.GetParticipantID(r.Context())
	if conv == "" {
		metrics.HistoryRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}

	ok, err := h.access.CanAccess(r.Context(), participantID, conv)
	if err != nil {
		logger.Errorf("history access conv=%s participant=%s: %v", conv, participantID, err)
		metrics.HistoryRequests.WithLabelValues("unavailable").Inc()
		writeError(w, http.StatusServiceUnavailable, "directory unavailable")
		return
	}
	if !ok {
		metrics.HistoryRequests.WithLabelValues("forbidden").Inc()
		writeError(w, http.StatusForbidden, "not a member of this conversation")
		return
	}

	var messages []model.Message
	err = storage.WithTimeout(r.Context(), h.timeout, "history.ListOrdered", func(ctx context.Context) (err error) {
		defer metrics.ObserveStore("list", time.Now(), &err)
		messages, err = h.store.ListOrdered(ctx, conv)
		return err
	})
	if err != nil {
		logger.Errorf("history conv=%s: %v", conv, err)
		metrics.HistoryRequests.WithLabelValues("store_error").Inc()
		writeStoreError(w, err, "failed to get messages")
		return
	}
	if messages == nil {
		messages = []model.Message{}
	}
	metrics.HistoryRequests.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, historyResponse{Messages: messages})
}
