package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/teamchat/internal/logger"
)

// SendFunc: отправка одного уведомления; в проде webpush.SendNotificationWithContext.
type SendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Server: HTTP-обработчики микросервиса пуш-уведомлений.
type Server struct {
	subs      SubscriptionStore
	vapid     *webpush.Options
	publicKey string
	send      SendFunc
}

// NewServer: при vapid == nil подписки сохраняются, отправка не выполняется.
func NewServer(subs SubscriptionStore, vapid *webpush.Options, send SendFunc) *Server {
	if send == nil {
		send = webpush.SendNotificationWithContext
	}
	s := &Server{subs: subs, vapid: vapid, send: send}
	if vapid != nil {
		s.publicKey = vapid.VAPIDPublicKey
	}
	return s
}

func (s *Server) HandleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if s.publicKey == "" {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.publicKey))
}

func (s *Server) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" || !req.Subscription.Valid() {
		http.Error(w, "participant_id and subscription (endpoint, keys.p256dh, keys.auth) required", http.StatusBadRequest)
		return
	}
	if err := s.subs.Add(r.Context(), req.ParticipantID, req.Subscription); err != nil {
		logger.Errorf("push subscribe participant=%s: %v", req.ParticipantID, err)
		http.Error(w, "failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" || req.Endpoint == "" {
		http.Error(w, "participant_id and endpoint required", http.StatusBadRequest)
		return
	}
	if err := s.subs.Remove(r.Context(), req.ParticipantID, req.Endpoint); err != nil {
		logger.Errorf("push unsubscribe participant=%s: %v", req.ParticipantID, err)
		http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.ParticipantID = strings.TrimSpace(req.ParticipantID)
	if req.ParticipantID == "" {
		http.Error(w, "participant_id required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	subs, err := s.subs.List(ctx, req.ParticipantID)
	if err != nil {
		logger.Errorf("push notify list participant=%s: %v", req.ParticipantID, err)
		http.Error(w, "failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	if s.vapid != nil {
		payload, _ := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
		for _, sub := range subs {
			s.deliver(ctx, req.ParticipantID, payload, sub)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deliver(ctx context.Context, participantID string, payload []byte, sub Subscription) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}
	resp, err := s.send(ctx, payload, wpSub, s.vapid)
	if err != nil {
		logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
		return
	}
	resp.Body.Close()
	// 404/410: подписка отозвана браузером
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if err := s.subs.Remove(ctx, participantID, sub.Endpoint); err != nil {
			logger.Errorf("push drop expired subscription participant=%s: %v", participantID, err)
		}
	}
}
