package redisx

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// decrFloorScript decrements a counter but never below zero. The clamp runs
// inside Redis so concurrent consumers cannot race it negative; a plain DECR
// after a reconcile or a double-read would.
var decrFloorScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v < 0 then
	redis.call('SET', KEYS[1], '0')
	return 0
end
return v
`)

// Counters maintains per-user unread counts, globally and per platform.
// All mutations are atomic store-level operations, never read-modify-write.
type Counters struct {
	client *Client
	logger *zap.Logger
}

// NewCounters creates the unread counter service.
func NewCounters(client *Client, logger *zap.Logger) *Counters {
	return &Counters{client: client, logger: logger}
}

func unreadKey(userAddress string) string {
	return fmt.Sprintf("UNREAD:%s", userAddress)
}

func unreadPlatformKey(userAddress, platformID string) string {
	return fmt.Sprintf("UNREAD:%s:%s", userAddress, platformID)
}

// IncrementUnread bumps the global counter and, when a platform id is
// present, the platform-scoped counter.
func (c *Counters) IncrementUnread(ctx context.Context, userAddress, platformID string) error {
	if err := c.client.rdb.Incr(ctx, unreadKey(userAddress)).Err(); err != nil {
		return fmt.Errorf("incr unread: %w", err)
	}

	if platformID != "" {
		if err := c.client.rdb.Incr(ctx, unreadPlatformKey(userAddress, platformID)).Err(); err != nil {
			return fmt.Errorf("incr platform unread: %w", err)
		}
	}

	return nil
}

// DecrementUnread lowers both counters, clamped at zero.
func (c *Counters) DecrementUnread(ctx context.Context, userAddress, platformID string) error {
	if err := decrFloorScript.Run(ctx, c.client.rdb, []string{unreadKey(userAddress)}).Err(); err != nil {
		return fmt.Errorf("decr unread: %w", err)
	}

	if platformID != "" {
		if err := decrFloorScript.Run(ctx, c.client.rdb, []string{unreadPlatformKey(userAddress, platformID)}).Err(); err != nil {
			return fmt.Errorf("decr platform unread: %w", err)
		}
	}

	return nil
}

// UnreadCount returns the global unread count for a user.
func (c *Counters) UnreadCount(ctx context.Context, userAddress string) (int64, error) {
	count, err := c.client.rdb.Get(ctx, unreadKey(userAddress)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get unread: %w", err)
	}
	return count, nil
}

// UnreadCountForPlatform returns the platform-scoped unread count.
func (c *Counters) UnreadCountForPlatform(ctx context.Context, userAddress, platformID string) (int64, error) {
	count, err := c.client.rdb.Get(ctx, unreadPlatformKey(userAddress, platformID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get platform unread: %w", err)
	}
	return count, nil
}

// Reconcile overwrites the counters with authoritative values recomputed
// from the notification table, repairing any drift. Platform keys absent
// from the recomputed map are deleted: a counter drifted upward while its
// true unread count is zero has no entry in the map, and leaving the key
// behind would preserve exactly the drift being repaired.
func (c *Counters) Reconcile(ctx context.Context, userAddress string, total int64, perPlatform map[string]int64) error {
	if err := c.client.rdb.Set(ctx, unreadKey(userAddress), total, 0).Err(); err != nil {
		return fmt.Errorf("reconcile unread: %w", err)
	}

	for platformID, count := range perPlatform {
		if err := c.client.rdb.Set(ctx, unreadPlatformKey(userAddress, platformID), count, 0).Err(); err != nil {
			return fmt.Errorf("reconcile platform unread: %w", err)
		}
	}

	prefix := unreadKey(userAddress) + ":"
	var cursor uint64
	for {
		keys, next, err := c.client.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan platform unread keys: %w", err)
		}

		for _, key := range keys {
			platformID := strings.TrimPrefix(key, prefix)
			if _, ok := perPlatform[platformID]; ok {
				continue
			}
			if err := c.client.rdb.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("delete stale platform unread: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	c.logger.Info("unread counters reconciled",
		zap.String("user_address", userAddress),
		zap.Int64("total", total),
	)

	return nil
}
