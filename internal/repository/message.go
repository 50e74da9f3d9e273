package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

const messageCols = `id, conversation_id, sender_id, sender_name, text, ts, deleted`

// MessageRepository: storage.MessageStore поверх Postgres.
type MessageRepository struct {
	pool *pgxpool.Pool
}

var _ storage.MessageStore = (*MessageRepository)(nil)

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Text, &m.Timestamp, &m.Deleted)
}

// Close: пулом владеет main.
func (r *MessageRepository) Close() error { return nil }

func (r *MessageRepository) Append(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	if err := m.Validate(); err != nil {
		return err
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, sender_name, text, ts, deleted)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (conversation_id, id) DO NOTHING`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Text, m.Timestamp, m.Deleted,
	)
	return classify("msgRepo.Append", err)
}

func (r *MessageRepository) MarkDeleted(ctx context.Context, conversationID, messageID string) error {
	defer logger.DeferLogDuration("msg.MarkDeleted", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET deleted = true WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID,
	)
	if err != nil {
		return classify("msgRepo.MarkDeleted", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *MessageRepository) ListOrdered(ctx context.Context, conversationID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListOrdered", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE conversation_id = $1
		 ORDER BY ts ASC, seq ASC`, conversationID,
	)
	if err != nil {
		return nil, classify("msgRepo.ListOrdered query", err)
	}
	defer rows.Close()

	messages := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, classify("msgRepo.ListOrdered scan", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("msgRepo.ListOrdered rows", err)
	}
	return messages, nil
}

func (r *MessageRepository) Get(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.Get", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = $1 AND id = $2`,
		conversationID, messageID,
	)
	if err := scanMessage(row, m); err != nil {
		return nil, classify("msgRepo.Get", err)
	}
	return m, nil
}
