// Package storage описывает хранилище сообщений и кеш справочника участников.
// Реализации: repository.MessageRepository (Postgres), mongo.Store, memory.Store;
// кеш: redis.Cache или memory.Cache.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teamchat/internal/model"
)

var (
	// ErrStoreUnavailable: бэкенд недоступен (сеть, таймаут, пул). Операцию можно повторить.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound: сообщение или запись справочника отсутствует. Повтор не поможет.
	ErrNotFound = errors.New("not found")
)

// MessageStore: долговременная история сообщений по conversation id.
type MessageStore interface {
	// Append сохраняет новое сообщение. Повторный Append того же id является успешным no-op.
	Append(ctx context.Context, m *model.Message) error
	// MarkDeleted выставляет deleted=true. ErrNotFound, если сообщения нет; повторный вызов ничего не меняет.
	MarkDeleted(ctx context.Context, conversationID, messageID string) error
	// ListOrdered возвращает все сообщения по возрастанию timestamp (при равенстве в порядке записи).
	// Для пустой или неизвестной беседы возвращается пустой срез без ошибки.
	ListOrdered(ctx context.Context, conversationID string) ([]model.Message, error)
	Get(ctx context.Context, conversationID, messageID string) (*model.Message, error)
	Close() error
}

// DirectoryCache: кеш записей справочника (cache-aside перед Postgres или YAML).
type DirectoryCache interface {
	GetParticipant(ctx context.Context, id string) (*model.Participant, bool, error)
	SetParticipant(ctx context.Context, p *model.Participant, ttl time.Duration) error
	Close() error
}

// Unavailable оборачивает ошибку бэкенда так, что errors.Is(err, ErrStoreUnavailable) == true.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsRetryable сообщает, стоит ли вызывающему повторить операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// WithTimeout ограничивает операцию с хранилищем. Сработавший дедлайн превращается
// в ErrStoreUnavailable: зависшее хранилище для вызывающего ничем не отличается от упавшего.
func WithTimeout(ctx context.Context, d time.Duration, op string, fn func(ctx context.Context) error) error {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	err := fn(ctx)
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Unavailable(op, err)
	}
	return err
}
