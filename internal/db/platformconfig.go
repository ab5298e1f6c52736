package db

import (
	"context"
	"fmt"
)

// GetPlatformDeliveryConfig fetches per-platform provider credentials.
// Returns (nil, nil) when the platform has no row; the caller falls back to
// the global delivery config.
func (r *Repository) GetPlatformDeliveryConfig(ctx context.Context, platformID string) (*PlatformDeliveryConfig, error) {
	query := `
		SELECT
			platform_id,
			COALESCE(apns_bundle_id, ''),
			COALESCE(apns_key_id, ''),
			COALESCE(apns_team_id, ''),
			COALESCE(apns_key_content, ''),
			COALESCE(fcm_server_key, ''),
			COALESCE(email_api_key, ''),
			COALESCE(email_from, ''),
			created_at, updated_at
		FROM relay_platform_delivery_config
		WHERE platform_id = $1
	`

	var cfg PlatformDeliveryConfig
	err := r.db.Pool().QueryRow(ctx, query, platformID).Scan(
		&cfg.PlatformID,
		&cfg.APNSBundleID,
		&cfg.APNSKeyID,
		&cfg.APNSTeamID,
		&cfg.APNSKeyContent,
		&cfg.FCMServerKey,
		&cfg.EmailAPIKey,
		&cfg.EmailFrom,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query platform delivery config: %w", err)
	}

	return &cfg, nil
}
