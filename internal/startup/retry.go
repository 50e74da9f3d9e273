package startup

import (
	"context"
	"os"
	"time"

	"github.com/teamchat/internal/logger"
	mongostorage "github.com/teamchat/internal/storage/mongo"
	redisstorage "github.com/teamchat/internal/storage/redis"
)

// Backoff: параметры повторов при старте. Exit вызывается, когда maxWait исчерпан.
type Backoff struct {
	MaxWait time.Duration
	Initial time.Duration
	Max     time.Duration
	Attempt time.Duration // таймаут одной попытки
	Exit    func(code int)
	Sleep   func(time.Duration)
}

func defaultBackoff(maxWait, attempt time.Duration) Backoff {
	return Backoff{MaxWait: maxWait, Initial: 2 * time.Second, Max: 30 * time.Second, Attempt: attempt, Exit: os.Exit, Sleep: time.Sleep}
}

// Retry вызывает connect, пока тот не вернёт nil-ошибку или не выйдет MaxWait.
// name и logPrefix попадают в лог ("api: redis connect failed ...").
func Retry[T any](b Backoff, name, logPrefix string, connect func(ctx context.Context) (T, error)) T {
	deadline := time.Now().Add(b.MaxWait)
	delay := b.Initial
	for {
		ctx, cancel := context.WithTimeout(context.Background(), b.Attempt)
		v, err := connect(ctx)
		cancel()
		if err == nil {
			return v
		}
		if time.Now().After(deadline) {
			logger.Errorf("%s%s (gave up after %v): %v", logPrefix, name, b.MaxWait, err)
			b.Exit(1)
			var zero T
			return zero
		}
		logger.Errorf("%s%s failed, retry in %v: %v", logPrefix, name, delay, err)
		b.Sleep(delay)
		if delay < b.Max {
			delay *= 2
		}
	}
}

// ConnectMongoWithRetry подключается к MongoDB (store_backend=mongo) с повторами.
func ConnectMongoWithRetry(uri, database string, maxWait time.Duration, logPrefix string) *mongostorage.Store {
	return Retry(defaultBackoff(maxWait, 10*time.Second), "mongo connect", logPrefix,
		func(ctx context.Context) (*mongostorage.Store, error) {
			return mongostorage.Connect(ctx, uri, database)
		})
}

// ConnectRedisWithRetry подключается к Redis (кеш справочника) с повторами.
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redisstorage.Cache {
	return Retry(defaultBackoff(maxWait, 5*time.Second), "redis connect", logPrefix,
		func(ctx context.Context) (*redisstorage.Cache, error) {
			return redisstorage.New(ctx, redisURL)
		})
}
