package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FetchUnprocessed returns unprocessed outbox rows above the cursor, ordered
// by id ascending. Rows that exhausted their publish retries are excluded;
// they stay in the table for inspection but no longer block the poller.
func (r *Repository) FetchUnprocessed(ctx context.Context, afterID int64, maxRetries, limit int) ([]*OutboxRecord, error) {
	query := `
		SELECT
			id, event_type, event_data, event_id, platform_id,
			created_at, processed_at, published_at, retry_count, error_message
		FROM relay_outbox
		WHERE processed_at IS NULL AND id > $1 AND retry_count < $2
		ORDER BY id ASC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, afterID, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var records []*OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		err := rows.Scan(
			&rec.ID,
			&rec.EventType,
			&rec.EventData,
			&rec.EventID,
			&rec.PlatformID,
			&rec.CreatedAt,
			&rec.ProcessedAt,
			&rec.PublishedAt,
			&rec.RetryCount,
			&rec.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox record: %w", err)
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return records, nil
}

// MarkProcessed flips processed_at and published_at on a record. Called only
// after the broker acknowledged the publish, never before.
func (r *Repository) MarkProcessed(ctx context.Context, id int64) error {
	query := `
		UPDATE relay_outbox
		SET processed_at = NOW(), published_at = NOW()
		WHERE id = $1 AND processed_at IS NULL
	`

	_, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark outbox processed: %w", err)
	}

	return nil
}

// RecordPublishFailure increments the retry count and stores the error so a
// stuck record surfaces in the table instead of blocking later polls forever.
func (r *Repository) RecordPublishFailure(ctx context.Context, id int64, publishErr error) error {
	query := `
		UPDATE relay_outbox
		SET retry_count = retry_count + 1, error_message = $1
		WHERE id = $2
	`

	msg := publishErr.Error()
	_, err := r.db.Pool().Exec(ctx, query, msg, id)
	if err != nil {
		return fmt.Errorf("record publish failure: %w", err)
	}

	r.logger.Warn("outbox publish failed",
		zap.Int64("outbox_id", id),
		zap.Error(publishErr),
	)

	return nil
}

// InsertOutboxRecord writes a new outbox row. Used by the send-message API
// path so client sends flow through the same CDC pipeline as indexer rows.
func (r *Repository) InsertOutboxRecord(ctx context.Context, eventType string, eventData []byte, platformID *string) (int64, error) {
	query := `
		INSERT INTO relay_outbox (event_type, event_data, platform_id)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	err := r.db.Pool().QueryRow(ctx, query, eventType, eventData, platformID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert outbox record: %w", err)
	}

	return id, nil
}
