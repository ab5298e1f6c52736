// Package platformcfg resolves provider credentials for a delivery job:
// platform-specific values when present, global fallbacks otherwise. The
// merge is per field, not per record, so a platform can override only its
// APNs settings while still using global FCM and email credentials.
package platformcfg

import (
	"context"
	"fmt"

	"github.com/lumen-social/relay/internal/db"
)

// DeliveryConfig is the resolved credential set handed to provider clients.
// Empty fields mean the channel has no usable credentials and is skipped.
type DeliveryConfig struct {
	APNSBundleID   string
	APNSKeyID      string
	APNSTeamID     string
	APNSKeyContent string
	FCMServerKey   string
	EmailAPIKey    string
	EmailFrom      string
}

// HasAPNS reports whether the APNs credential set is complete.
func (c DeliveryConfig) HasAPNS() bool {
	return c.APNSBundleID != "" && c.APNSKeyID != "" && c.APNSTeamID != "" && c.APNSKeyContent != ""
}

// HasFCM reports whether FCM can be used.
func (c DeliveryConfig) HasFCM() bool {
	return c.FCMServerKey != ""
}

// HasEmail reports whether the email channel can be used.
func (c DeliveryConfig) HasEmail() bool {
	return c.EmailAPIKey != "" && c.EmailFrom != ""
}

// Merge overlays platform values on the global config, field by field. A nil
// platform config resolves to the global config unchanged.
func Merge(global DeliveryConfig, platform *db.PlatformDeliveryConfig) DeliveryConfig {
	if platform == nil {
		return global
	}

	merged := global
	if platform.APNSBundleID != "" {
		merged.APNSBundleID = platform.APNSBundleID
	}
	if platform.APNSKeyID != "" {
		merged.APNSKeyID = platform.APNSKeyID
	}
	if platform.APNSTeamID != "" {
		merged.APNSTeamID = platform.APNSTeamID
	}
	if platform.APNSKeyContent != "" {
		merged.APNSKeyContent = platform.APNSKeyContent
	}
	if platform.FCMServerKey != "" {
		merged.FCMServerKey = platform.FCMServerKey
	}
	if platform.EmailAPIKey != "" {
		merged.EmailAPIKey = platform.EmailAPIKey
	}
	if platform.EmailFrom != "" {
		merged.EmailFrom = platform.EmailFrom
	}
	return merged
}

// Store is the lookup the resolver needs from the database layer.
type Store interface {
	GetPlatformDeliveryConfig(ctx context.Context, platformID string) (*db.PlatformDeliveryConfig, error)
}

// Resolver combines the store lookup with the pure merge.
type Resolver struct {
	store  Store
	global DeliveryConfig
}

// NewResolver builds a resolver over the given store and global fallback.
func NewResolver(store Store, global DeliveryConfig) *Resolver {
	return &Resolver{store: store, global: global}
}

// Resolve returns the delivery config for a platform. An empty platform id
// always resolves to the global config without a lookup.
func (r *Resolver) Resolve(ctx context.Context, platformID string) (DeliveryConfig, error) {
	if platformID == "" {
		return r.global, nil
	}

	platform, err := r.store.GetPlatformDeliveryConfig(ctx, platformID)
	if err != nil {
		return DeliveryConfig{}, fmt.Errorf("resolve platform config: %w", err)
	}

	return Merge(r.global, platform), nil
}
