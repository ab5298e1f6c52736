package db

import (
	"context"
	"fmt"
)

// OutboxCursorName is the durable cursor row used by the outbox poller.
const OutboxCursorName = "outbox"

// LoadCursor returns the committed position for a named cursor, or zero when
// no checkpoint has been written yet.
func (r *Repository) LoadCursor(ctx context.Context, name string) (int64, error) {
	query := `SELECT position FROM relay_cursor WHERE name = $1`

	var position int64
	err := r.db.Pool().QueryRow(ctx, query, name).Scan(&position)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	return position, nil
}

// SaveCursor commits a cursor position. The position only moves forward; a
// stale checkpoint from a slower task never rewinds the cursor.
func (r *Repository) SaveCursor(ctx context.Context, name string, position int64) error {
	query := `
		INSERT INTO relay_cursor (name, position, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE
		SET position = GREATEST(relay_cursor.position, EXCLUDED.position),
			updated_at = NOW()
	`

	if _, err := r.db.Pool().Exec(ctx, query, name, position); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}

	return nil
}
