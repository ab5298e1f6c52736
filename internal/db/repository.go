package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles relay database operations. Methods are grouped by
// concern across outbox.go, notifications.go, messages.go, platformconfig.go,
// deadletter.go, and cursor.go.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new relay repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
