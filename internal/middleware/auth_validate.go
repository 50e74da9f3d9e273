package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teamchat/internal/chatid"
	"github.com/teamchat/internal/logger"
)

// AuthServiceValidate вызывает внешний сервис авторизации (X-Session-Id, X-Timestamp, X-Signature)
// и кладёт полученный participant id в контекст. Чат доверяет этому id как senderId.
func AuthServiceValidate(authServiceURL string, client *http.Client) func(http.Handler) http.Handler {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := headerOrQuery(r, "X-Session-Id", "session_id")
			timestamp := headerOrQuery(r, "X-Timestamp", "timestamp")
			signature := headerOrQuery(r, "X-Signature", "signature")
			if sessionID == "" || timestamp == "" || signature == "" {
				unauthorized(w)
				return
			}
			var body []byte
			if r.Body != nil {
				var err error
				body, err = io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
			}
			// Подписывается только pathname, без query.
			reqBody, _ := json.Marshal(map[string]string{
				"session_id": sessionID,
				"timestamp":  timestamp,
				"signature":  signature,
				"method":     r.Method,
				"path":       r.URL.Path,
				"body":       string(body),
			})
			req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, authServiceURL+"/internal/validate", bytes.NewReader(reqBody))
			if err != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				logger.Errorf("auth validate session=%s: %v", MaskID(sessionID), err)
				unauthorized(w)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				unauthorized(w)
				return
			}
			var result struct {
				ParticipantID string `json:"participant_id"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || !chatid.ValidID(result.ParticipantID) {
				unauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithParticipantID(r.Context(), result.ParticipantID)))
		})
	}
}

// TrustedParticipant используется только в -dev: participant id берётся из X-Participant-Id или ?participant_id=.
func TrustedParticipant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := headerOrQuery(r, "X-Participant-Id", "participant_id")
		if !chatid.ValidID(id) {
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithParticipantID(r.Context(), id)))
	})
}

// headerOrQuery: браузерный WebSocket не умеет заголовки, поэтому те же значения принимаются в query.
func headerOrQuery(r *http.Request, header, query string) string {
	if v := r.Header.Get(header); v != "" {
		return v
	}
	return r.URL.Query().Get(query)
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
}

// MaskID оставляет в логе только первые четыре символа session id или подписи.
func MaskID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
