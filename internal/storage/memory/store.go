// Package memory: хранилище сообщений и кеш справочника в памяти процесса
// (режим store_backend=memory и тесты). Состояние теряется при перезапуске.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

type conversationLog struct {
	msgs  []model.Message // порядок записи
	index map[string]int  // message id -> позиция в msgs
}

type Store struct {
	mu    sync.RWMutex
	convs map[string]*conversationLog
}

var _ storage.MessageStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{convs: make(map[string]*conversationLog)}
}

func (s *Store) Close() error { return nil }

func (s *Store) Append(ctx context.Context, m *model.Message) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("memory.Append", err)
	}
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.convs[m.ConversationID]
	if !ok {
		log = &conversationLog{index: make(map[string]int)}
		s.convs[m.ConversationID] = log
	}
	if _, exists := log.index[m.ID]; exists {
		return nil
	}
	log.index[m.ID] = len(log.msgs)
	log.msgs = append(log.msgs, *m)
	return nil
}

func (s *Store) MarkDeleted(ctx context.Context, conversationID, messageID string) error {
	if err := ctx.Err(); err != nil {
		return storage.Unavailable("memory.MarkDeleted", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.convs[conversationID]
	if !ok {
		return storage.ErrNotFound
	}
	i, ok := log.index[messageID]
	if !ok {
		return storage.ErrNotFound
	}
	log.msgs[i].Deleted = true
	return nil
}

func (s *Store) ListOrdered(ctx context.Context, conversationID string) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("memory.ListOrdered", err)
	}
	s.mu.RLock()
	log, ok := s.convs[conversationID]
	if !ok {
		s.mu.RUnlock()
		return []model.Message{}, nil
	}
	out := make([]model.Message, len(log.msgs))
	copy(out, log.msgs)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (s *Store) Get(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("memory.Get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.convs[conversationID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	i, ok := log.index[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	m := log.msgs[i]
	return &m, nil
}
