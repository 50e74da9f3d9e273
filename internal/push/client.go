package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/teamchat/internal/logger"
)

// Client вызывает микросервис пуш-уведомлений. При пустом baseURL все методы ничего не делают.
type Client struct {
	baseURL        string
	internalSecret string
	httpClient     *http.Client
}

// NewClient создаёт клиент. internalSecret уходит в X-Internal-Secret (см. middleware.InternalOnly).
func NewClient(baseURL, internalSecret string) *Client {
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		internalSecret: internalSecret,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled сообщает, настроен ли push-сервис.
func (c *Client) Enabled() bool { return c.baseURL != "" }

// call отправляет JSON на push-сервис; успехом считается только 204.
func (c *Client) call(ctx context.Context, method, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push %s %s: %w", method, path, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.internalSecret != "" {
		req.Header.Set("X-Internal-Secret", c.internalSecret)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("push %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

// Subscribe сохраняет подписку участника на push-сервисе.
func (c *Client) Subscribe(ctx context.Context, participantID string, sub Subscription) error {
	if !c.Enabled() {
		return nil
	}
	return c.call(ctx, http.MethodPost, "/api/subscribe", SubscribeRequest{ParticipantID: participantID, Subscription: sub})
}

// Unsubscribe удаляет подписку по endpoint.
func (c *Client) Unsubscribe(ctx context.Context, participantID, endpoint string) error {
	if !c.Enabled() {
		return nil
	}
	return c.call(ctx, http.MethodDelete, "/api/subscribe", UnsubscribeRequest{ParticipantID: participantID, Endpoint: endpoint})
}

// Notify отправляет пуш участнику (хаб вызывает его для собеседника в личной беседе).
// Ошибки только логируются: доставка сообщения от пуша не зависит.
func (c *Client) Notify(ctx context.Context, participantID, title, body string, data map[string]string) {
	if !c.Enabled() {
		return
	}
	err := c.call(ctx, http.MethodPost, "/api/notify", NotifyRequest{ParticipantID: participantID, Title: title, Body: body, Data: data})
	if err != nil {
		logger.Errorf("push notify participant=%s: %v", participantID, err)
	}
}
