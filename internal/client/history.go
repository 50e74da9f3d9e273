package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teamchat/internal/model"
)

// rest issues authenticated GETs against the chat API.
type rest struct {
	baseURL string
	header  http.Header
	timeout time.Duration
	http    *http.Client
}

func newREST(baseURL string, header http.Header, timeout time.Duration) rest {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return rest{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		header:  header.Clone(),
		timeout: timeout,
		http:    &http.Client{},
	}
}

// get decodes the JSON body of path into out. Transport errors, timeouts and
// 5xx answers wrap ErrUnavailable; 403 is ErrForbidden.
func (c rest) get(ctx context.Context, op, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%s: %w: status %d", op, ErrUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
		}
		return fmt.Errorf("%s decode: %w", op, err)
	}
	return nil
}

// HistoryClient fetches conversation history over REST. It does not need a live
// WebSocket connection.
type HistoryClient struct {
	rest rest
}

// NewHistoryClient: baseURL is the API root (http://host:8080); header carries
// the credentials sent with every request.
func NewHistoryClient(baseURL string, header http.Header, timeout time.Duration) *HistoryClient {
	return &HistoryClient{rest: newREST(baseURL, header, timeout)}
}

type historyResponse struct {
	Messages []model.Message `json:"messages"`
}

// History returns the conversation's messages in ascending timestamp order.
func (c *HistoryClient) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	var out historyResponse
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.rest.get(ctx, "history.History "+conversationID, path, &out); err != nil {
		return nil, err
	}
	if out.Messages == nil {
		out.Messages = []model.Message{}
	}
	return out.Messages, nil
}
