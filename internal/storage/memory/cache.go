package memory

import (
	"context"
	"sync"
	"time"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

type item struct {
	val model.Participant
	exp time.Time
}

// Cache: кеш справочника без Redis. Просроченные записи удаляются при чтении.
type Cache struct {
	mu    sync.RWMutex
	items map[string]item
	now   func() time.Time
}

var _ storage.DirectoryCache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{items: make(map[string]item), now: time.Now}
}

func (c *Cache) Close() error { return nil }

func (c *Cache) GetParticipant(ctx context.Context, id string) (*model.Participant, bool, error) {
	c.mu.RLock()
	v, ok := c.items[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if c.now().After(v.exp) {
		c.mu.Lock()
		if cur, still := c.items[id]; still && cur.exp.Equal(v.exp) {
			delete(c.items, id)
		}
		c.mu.Unlock()
		return nil, false, nil
	}
	p := v.val
	return &p, true, nil
}

func (c *Cache) SetParticipant(ctx context.Context, p *model.Participant, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[p.ID] = item{val: *p, exp: c.now().Add(ttl)}
	return nil
}
