// Package mongo: история сообщений в MongoDB (store_backend=mongo).
// Документ на сообщение в коллекции messages; уникальный индекс (conversation_id, id).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

const messageCollection = "messages"

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ storage.MessageStore = (*Store)(nil)

// Connect подключается, проверяет соединение и создаёт индексы.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := &Store{client: client, coll: client.Database(database).Collection(messageCollection)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}},
		},
	})
	if err != nil {
		return fmt.Errorf("mongo indexes: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// classify: дубликат и отсутствие документа становятся доменными ошибками, всё остальное от драйвера
// (сеть, выбор сервера, таймаут) считается недоступностью хранилища.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return storage.ErrNotFound
	default:
		return storage.Unavailable(op, err)
	}
}

func (s *Store) Append(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("mongo.Append", time.Now())()
	if err := m.Validate(); err != nil {
		return err
	}
	// _id (ObjectID) генерирует драйвер: монотонен в пределах процесса и служит вторым ключом сортировки
	_, err := s.coll.InsertOne(ctx, m)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return classify("mongo.Append", err)
}

func (s *Store) MarkDeleted(ctx context.Context, conversationID, messageID string) error {
	defer logger.DeferLogDuration("mongo.MarkDeleted", time.Now())()
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID, "id": messageID},
		bson.M{"$set": bson.M{"deleted": true}},
	)
	if err != nil {
		return classify("mongo.MarkDeleted", err)
	}
	if res.MatchedCount == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListOrdered(ctx context.Context, conversationID string) ([]model.Message, error) {
	defer logger.DeferLogDuration("mongo.ListOrdered", time.Now())()
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, classify("mongo.ListOrdered", err)
	}
	defer cursor.Close(ctx)

	msgs := []model.Message{}
	if err := cursor.All(ctx, &msgs); err != nil {
		return nil, classify("mongo.ListOrdered", err)
	}
	return msgs, nil
}

func (s *Store) Get(ctx context.Context, conversationID, messageID string) (*model.Message, error) {
	defer logger.DeferLogDuration("mongo.Get", time.Now())()
	var m model.Message
	err := s.coll.FindOne(ctx, bson.M{"conversation_id": conversationID, "id": messageID}).Decode(&m)
	if err != nil {
		return nil, classify("mongo.Get", err)
	}
	return &m, nil
}
