package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/teamchat/internal/storage"
)

var ErrNotFound = storage.ErrNotFound

// classify переводит ошибку pgx в доменную. Нет строки даёт ErrNotFound, ответ сервера (PgError)
// остаётся обычной ошибкой запроса, всё прочее (пул, сеть, таймаут) даёт ErrStoreUnavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return storage.Unavailable(op, err)
}
