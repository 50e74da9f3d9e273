package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/teamchat/internal/model"
)

// DirectoryClient reads the participant roster and the channel list. Direct
// messages carry no sender name, so a UI resolves it here.
type DirectoryClient struct {
	rest rest

	mu    sync.RWMutex
	names map[string]string
}

func NewDirectoryClient(baseURL string, header http.Header, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{rest: newREST(baseURL, header, timeout), names: make(map[string]string)}
}

// Participants lists everyone a direct conversation can be opened with and
// refreshes the name cache used by DisplayName.
func (c *DirectoryClient) Participants(ctx context.Context) ([]model.Participant, error) {
	var out struct {
		Employees []model.Participant `json:"employees"`
	}
	if err := c.rest.get(ctx, "directory.Participants", "/api/employees", &out); err != nil {
		return nil, err
	}
	if out.Employees == nil {
		out.Employees = []model.Participant{}
	}
	names := make(map[string]string, len(out.Employees))
	for _, p := range out.Employees {
		if p.DisplayName != "" {
			names[p.ID] = p.DisplayName
		}
	}
	c.mu.Lock()
	c.names = names
	c.mu.Unlock()
	return out.Employees, nil
}

func (c *DirectoryClient) Channels(ctx context.Context) ([]model.Channel, error) {
	var out struct {
		Channels []model.Channel `json:"channels"`
	}
	if err := c.rest.get(ctx, "directory.Channels", "/api/channels", &out); err != nil {
		return nil, err
	}
	if out.Channels == nil {
		out.Channels = []model.Channel{}
	}
	return out.Channels, nil
}

// DisplayName returns the roster name of id from the last Participants call,
// or id itself when it is unknown.
func (c *DirectoryClient) DisplayName(id string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if name, ok := c.names[id]; ok {
		return name
	}
	return id
}
