package startup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	var sleeps []time.Duration
	b := Backoff{MaxWait: time.Hour, Initial: time.Second, Max: 4 * time.Second, Attempt: time.Second,
		Exit:  func(int) { t.Fatal("unexpected exit") },
		Sleep: func(d time.Duration) { sleeps = append(sleeps, d) },
	}
	calls := 0
	got := Retry(b, "db connect", "test: ", func(ctx context.Context) (string, error) {
		calls++
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		if calls < 5 {
			return "", errors.New("connection refused")
		}
		return "pool", nil
	})
	assert.Equal(t, "pool", got)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, sleeps)
}

func TestRetryGivesUp(t *testing.T) {
	exitCode := -1
	b := Backoff{MaxWait: -time.Second, Initial: time.Millisecond, Max: time.Millisecond, Attempt: time.Second,
		Exit:  func(code int) { exitCode = code },
		Sleep: func(time.Duration) {},
	}
	got := Retry(b, "redis connect", "", func(context.Context) (*int, error) {
		return nil, errors.New("no route to host")
	})
	assert.Nil(t, got)
	assert.Equal(t, 1, exitCode)
}
