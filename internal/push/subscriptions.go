package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// SubscriptionStore хранит подписки участника (не больше maxSubsPerUser, последние).
type SubscriptionStore interface {
	Add(ctx context.Context, participantID string, sub Subscription) error
	Remove(ctx context.Context, participantID, endpoint string) error
	List(ctx context.Context, participantID string) ([]Subscription, error)
}

// RedisSubscriptions: список JSON-подписок по ключу push:subs:{participant}.
type RedisSubscriptions struct {
	rdb *redis.Client
}

func NewRedisSubscriptions(rdb *redis.Client) *RedisSubscriptions {
	return &RedisSubscriptions{rdb: rdb}
}

func (s *RedisSubscriptions) Add(ctx context.Context, participantID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	key := redisKeyPrefix + participantID
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, key, 0, string(raw))
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSubscriptions) Remove(ctx context.Context, participantID, endpoint string) error {
	key := redisKeyPrefix + participantID
	list, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) != nil || sub.Endpoint == endpoint {
			pipe.LRem(ctx, key, 0, item)
		}
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSubscriptions) List(ctx context.Context, participantID string) ([]Subscription, error) {
	list, err := s.rdb.LRange(ctx, redisKeyPrefix+participantID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	subs := make([]Subscription, 0, len(list))
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

// MemorySubscriptions: для запуска без Redis и тестов.
type MemorySubscriptions struct {
	mu   sync.Mutex
	subs map[string][]Subscription
}

func NewMemorySubscriptions() *MemorySubscriptions {
	return &MemorySubscriptions{subs: make(map[string][]Subscription)}
}

func (m *MemorySubscriptions) Add(_ context.Context, participantID string, sub Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[participantID][:0:0]
	for _, s := range m.subs[participantID] {
		if s.Endpoint != sub.Endpoint {
			list = append(list, s)
		}
	}
	list = append(list, sub)
	if len(list) > maxSubsPerUser {
		list = list[len(list)-maxSubsPerUser:]
	}
	m.subs[participantID] = list
	return nil
}

func (m *MemorySubscriptions) Remove(_ context.Context, participantID, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Subscription
	for _, s := range m.subs[participantID] {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(m.subs, participantID)
	} else {
		m.subs[participantID] = kept
	}
	return nil
}

func (m *MemorySubscriptions) List(_ context.Context, participantID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, len(m.subs[participantID]))
	copy(out, m.subs[participantID])
	return out, nil
}
