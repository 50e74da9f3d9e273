package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/teamchat/internal/config"
	"github.com/teamchat/internal/directory"
	"github.com/teamchat/internal/metrics"
	"github.com/teamchat/internal/middleware"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/ws"
)

// Deps: всё, из чего собирается HTTP-роутер API.
type Deps struct {
	Config    *config.Config
	Hub       *ws.Hub
	Store     storage.MessageStore
	Directory *directory.Directory
	Push      PushSubscriber
	// Auth кладёт participant id в контекст: AuthServiceValidate или TrustedParticipant (-dev).
	Auth func(http.Handler) http.Handler
}

func NewRouter(d Deps) http.Handler {
	historyH := NewHistoryHandler(d.Store, d.Directory, d.Config.StoreTimeout)
	dirH := NewDirectoryHandler(d.Directory)
	wsH := NewWSHandler(d.Hub, d.Config.CORSAllowedOrigins)
	configH := NewConfigHandler(d.Config)
	pushH := NewPushHandler(d.Push)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	// Не сжимать WebSocket, иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		compress := chimw.Compress(5)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compress.ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.SecureHeaders)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(d.Config.CORSAllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature", "X-Participant-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/api/config/push", configH.GetPushConfig)
	r.Get("/api/config/chat", configH.GetChatConfig)

	r.Group(func(r chi.Router) {
		r.Use(d.Auth)
		r.Get("/api/conversations/{conversationId}/messages", historyH.GetMessages)
		r.Get("/api/chats/{conversationId}/messages", historyH.GetMessages)
		r.Get("/api/channels", dirH.GetChannels)
		r.Get("/api/employees", dirH.GetEmployees)
		r.Get("/api/employees/{id}", dirH.GetEmployee)
		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
		r.Get("/ws", wsH.ServeWS)
	})
	return r
}
