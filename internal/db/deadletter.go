package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertDeadLetter preserves an event that permanently failed pipeline
// processing. The consumer acks the event afterwards; the payload lives here
// for inspection instead of being silently dropped.
func (r *Repository) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	query := `
		INSERT INTO relay_dead_letters (
			id, source_id, topic, pipeline, payload, attempts, last_error, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		dl.ID,
		dl.SourceID,
		dl.Topic,
		dl.Pipeline,
		dl.Payload,
		dl.Attempts,
		dl.LastError,
		DLQStatusPending,
	).Scan(&dl.CreatedAt, &dl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	r.logger.Warn("event moved to dead-letter store",
		zap.String("dead_letter_id", dl.ID.String()),
		zap.Int64("source_id", dl.SourceID),
		zap.String("pipeline", dl.Pipeline),
		zap.String("last_error", dl.LastError),
	)

	return nil
}

// ListDeadLetters retrieves dead-lettered events, newest first.
func (r *Repository) ListDeadLetters(ctx context.Context, limit, offset int) ([]*DeadLetter, error) {
	query := `
		SELECT id, source_id, topic, pipeline, payload, attempts, last_error,
			status, created_at, updated_at
		FROM relay_dead_letters
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var items []*DeadLetter
	for rows.Next() {
		var dl DeadLetter
		err := rows.Scan(
			&dl.ID,
			&dl.SourceID,
			&dl.Topic,
			&dl.Pipeline,
			&dl.Payload,
			&dl.Attempts,
			&dl.LastError,
			&dl.Status,
			&dl.CreatedAt,
			&dl.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		items = append(items, &dl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// GetDeadLetter retrieves a single dead-lettered event by id.
func (r *Repository) GetDeadLetter(ctx context.Context, id uuid.UUID) (*DeadLetter, error) {
	query := `
		SELECT id, source_id, topic, pipeline, payload, attempts, last_error,
			status, created_at, updated_at
		FROM relay_dead_letters
		WHERE id = $1
	`

	var dl DeadLetter
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&dl.ID,
		&dl.SourceID,
		&dl.Topic,
		&dl.Pipeline,
		&dl.Payload,
		&dl.Attempts,
		&dl.LastError,
		&dl.Status,
		&dl.CreatedAt,
		&dl.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("dead letter not found: %s", id)
		}
		return nil, fmt.Errorf("query dead letter: %w", err)
	}

	return &dl, nil
}

// RetryDeadLetter re-enqueues a dead-lettered event by writing a fresh outbox
// row, so the retry takes the same publish path as the original. The stored
// payload is the event's inner event_data and becomes the new row's
// event_data directly; the poller adds a fresh envelope on publish. The item
// is marked retried in the same transaction.
func (r *Repository) RetryDeadLetter(ctx context.Context, id uuid.UUID, eventType string) (int64, error) {
	dl, err := r.GetDeadLetter(ctx, id)
	if err != nil {
		return 0, err
	}

	if dl.Status != DLQStatusPending {
		return 0, fmt.Errorf("dead letter already processed: %s", dl.Status)
	}

	// Malformed-envelope payloads are preserved as raw bytes and cannot
	// re-enter the pipeline; they can only be inspected and discarded.
	if !json.Valid(dl.Payload) {
		return 0, fmt.Errorf("dead letter payload is not valid JSON; discard it instead")
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO relay_outbox (event_type, event_data)
		VALUES ($1, $2)
		RETURNING id
	`

	var outboxID int64
	if err := tx.QueryRow(ctx, insert, eventType, dl.Payload).Scan(&outboxID); err != nil {
		return 0, fmt.Errorf("insert retry outbox record: %w", err)
	}

	update := `UPDATE relay_dead_letters SET status = $1 WHERE id = $2`
	if _, err := tx.Exec(ctx, update, DLQStatusRetried, id); err != nil {
		return 0, fmt.Errorf("update dead letter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("dead letter retried",
		zap.String("dead_letter_id", id.String()),
		zap.Int64("outbox_id", outboxID),
	)

	return outboxID, nil
}

// DiscardDeadLetter marks a dead-lettered event as discarded (won't be retried)
func (r *Repository) DiscardDeadLetter(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE relay_dead_letters
		SET status = $1
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, DLQStatusDiscarded, id, DLQStatusPending)
	if err != nil {
		return fmt.Errorf("discard dead letter: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("dead letter not found or already processed")
	}

	r.logger.Info("dead letter discarded", zap.String("dead_letter_id", id.String()))

	return nil
}
