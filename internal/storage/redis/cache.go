// Package redis: кеш справочника участников в Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

const participantKeyPrefix = "participant:"

type Cache struct {
	cli *redis.Client
}

var _ storage.DirectoryCache = (*Cache)(nil)

func New(ctx context.Context, url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Cache{cli: cli}, nil
}

// NewFromClient оборачивает готовый клиент (тесты, общий пул).
func NewFromClient(cli *redis.Client) *Cache {
	return &Cache{cli: cli}
}

func (c *Cache) Close() error {
	return c.cli.Close()
}

// GetParticipant читает participant:{id}. Отсутствие ключа считается промахом, не ошибкой.
func (c *Cache) GetParticipant(ctx context.Context, id string) (*model.Participant, bool, error) {
	raw, err := c.cli.Get(ctx, participantKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.Unavailable("redis.GetParticipant", err)
	}
	var p model.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		// битая запись: считаем промахом, следующий Set её перезапишет
		return nil, false, nil
	}
	return &p, true, nil
}

func (c *Cache) SetParticipant(ctx context.Context, p *model.Participant, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("redis.SetParticipant: %w", err)
	}
	if err := c.cli.Set(ctx, participantKeyPrefix+p.ID, raw, ttl).Err(); err != nil {
		return storage.Unavailable("redis.SetParticipant", err)
	}
	return nil
}
