// Package directory: справочник участников и каналов для чата (только чтение).
// Источник: Postgres или YAML-файл; перед getParticipant стоит кеш с TTL.
package directory

import (
	"context"
	"errors"
	"time"

	"github.com/teamchat/internal/chatid"
	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

// Source: хранилище справочника. Participant возвращает storage.ErrNotFound для неизвестного id.
type Source interface {
	Participant(ctx context.Context, id string) (*model.Participant, error)
	Participants(ctx context.Context) ([]model.Participant, error)
	Channels(ctx context.Context) ([]model.Channel, error)
	ChannelExists(ctx context.Context, id string) (bool, error)
}

type Directory struct {
	src   Source
	cache storage.DirectoryCache
	ttl   time.Duration
}

func New(src Source, cache storage.DirectoryCache, ttl time.Duration) *Directory {
	return &Directory{src: src, cache: cache, ttl: ttl}
}

// Participant: cache-aside. Ошибки кеша не фатальны, запрос уходит в источник.
func (d *Directory) Participant(ctx context.Context, id string) (*model.Participant, error) {
	if d.cache != nil {
		p, ok, err := d.cache.GetParticipant(ctx, id)
		if err != nil {
			logger.Errorf("directory: cache get %s: %v", id, err)
		} else if ok {
			return p, nil
		}
	}
	p, err := d.src.Participant(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.cache != nil {
		if err := d.cache.SetParticipant(ctx, p, d.ttl); err != nil {
			logger.Errorf("directory: cache set %s: %v", id, err)
		}
	}
	return p, nil
}

// DisplayName возвращает отображаемое имя или сам id, если запись недоступна.
func (d *Directory) DisplayName(ctx context.Context, id string) string {
	p, err := d.Participant(ctx, id)
	if err != nil || p.DisplayName == "" {
		return id
	}
	return p.DisplayName
}

// Participants: вкладка личных сообщений: все адресуемые собеседники.
func (d *Directory) Participants(ctx context.Context) ([]model.Participant, error) {
	return d.src.Participants(ctx)
}

// Channels: вкладка каналов.
func (d *Directory) Channels(ctx context.Context) ([]model.Channel, error) {
	return d.src.Channels(ctx)
}

// CanAccess: direct-беседа должна содержать participantID, канал должен существовать.
func (d *Directory) CanAccess(ctx context.Context, participantID, conversationID string) (bool, error) {
	kind, a, b := chatid.Parse(conversationID)
	if kind == model.KindDirect {
		if !chatid.ValidID(a) || !chatid.ValidID(b) {
			return false, nil
		}
		return chatid.IsMember(conversationID, participantID), nil
	}
	if !chatid.ValidID(a) {
		return false, nil
	}
	return d.src.ChannelExists(ctx, a)
}

// IsNotFound: удобство для хендлеров.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
