package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InsertNotification persists a notification keyed by its upstream source id.
// Returns false when a notification for that source id already exists: the
// conflict is the success path for broker redelivery, not an error.
func (r *Repository) InsertNotification(ctx context.Context, notif *Notification) (bool, error) {
	query := `
		INSERT INTO relay_notifications (
			id, source_id, user_address, platform_id, kind, title, body, data
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (source_id) DO NOTHING
	`

	tag, err := r.db.Pool().Exec(
		ctx,
		query,
		notif.ID,
		notif.SourceID,
		notif.UserAddress,
		notif.PlatformID,
		notif.Kind,
		notif.Title,
		notif.Body,
		notif.Data,
	)
	if err != nil {
		r.logger.Error("failed to insert notification",
			zap.Error(err),
			zap.Int64("source_id", notif.SourceID),
		)
		return false, fmt.Errorf("insert notification: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return false, nil
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.Int64("source_id", notif.SourceID),
		zap.String("user_address", notif.UserAddress),
		zap.String("kind", notif.Kind),
	)

	return true, nil
}

// MarkNotificationRead sets read_at on an unread notification owned by the
// given user. Returns the row's platform id and true when the row actually
// transitioned, so callers decrement unread counters exactly once.
func (r *Repository) MarkNotificationRead(ctx context.Context, id uuid.UUID, userAddress string) (*string, bool, error) {
	query := `
		UPDATE relay_notifications
		SET read_at = NOW()
		WHERE id = $1 AND user_address = $2 AND read_at IS NULL
		RETURNING platform_id
	`

	var platformID *string
	err := r.db.Pool().QueryRow(ctx, query, id, userAddress).Scan(&platformID)
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("mark notification read: %w", err)
	}

	return platformID, true, nil
}

// ListNotifications retrieves a user's notifications newest first.
func (r *Repository) ListNotifications(ctx context.Context, userAddress string, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT
			id, source_id, user_address, platform_id, kind, title, body, data,
			read_at, created_at
		FROM relay_notifications
		WHERE user_address = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userAddress, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.SourceID,
			&notif.UserAddress,
			&notif.PlatformID,
			&notif.Kind,
			&notif.Title,
			&notif.Body,
			&notif.Data,
			&notif.ReadAt,
			&notif.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// CountUnread recomputes unread totals from the table, globally and per
// platform. Used to reconcile drifted Redis counters.
func (r *Repository) CountUnread(ctx context.Context, userAddress string) (int64, map[string]int64, error) {
	query := `
		SELECT COALESCE(platform_id, ''), COUNT(*)
		FROM relay_notifications
		WHERE user_address = $1 AND read_at IS NULL
		GROUP BY COALESCE(platform_id, '')
	`

	rows, err := r.db.Pool().Query(ctx, query, userAddress)
	if err != nil {
		return 0, nil, fmt.Errorf("count unread: %w", err)
	}
	defer rows.Close()

	var total int64
	perPlatform := make(map[string]int64)
	for rows.Next() {
		var platform string
		var count int64
		if err := rows.Scan(&platform, &count); err != nil {
			return 0, nil, fmt.Errorf("scan unread count: %w", err)
		}
		total += count
		if platform != "" {
			perPlatform[platform] = count
		}
	}

	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate rows: %w", err)
	}

	return total, perPlatform, nil
}

// RegisterDeviceToken upserts a push destination for a user. Re-registering
// an existing token moves it to the new user and platform.
func (r *Repository) RegisterDeviceToken(ctx context.Context, tok *DeviceToken) error {
	query := `
		INSERT INTO relay_device_tokens (user_address, device_token, platform)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_token) DO UPDATE
		SET user_address = EXCLUDED.user_address, platform = EXCLUDED.platform
		RETURNING id, created_at
	`

	err := r.db.Pool().QueryRow(ctx, query, tok.UserAddress, tok.Token, tok.Platform).
		Scan(&tok.ID, &tok.CreatedAt)
	if err != nil {
		return fmt.Errorf("register device token: %w", err)
	}

	return nil
}

// ListDeviceTokens returns push destinations registered for a user.
func (r *Repository) ListDeviceTokens(ctx context.Context, userAddress string) ([]*DeviceToken, error) {
	query := `
		SELECT id, user_address, device_token, platform, created_at
		FROM relay_device_tokens
		WHERE user_address = $1
	`

	rows, err := r.db.Pool().Query(ctx, query, userAddress)
	if err != nil {
		return nil, fmt.Errorf("query device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*DeviceToken
	for rows.Next() {
		var tok DeviceToken
		if err := rows.Scan(&tok.ID, &tok.UserAddress, &tok.Token, &tok.Platform, &tok.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, &tok)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return tokens, nil
}
