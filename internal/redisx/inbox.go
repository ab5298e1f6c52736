package redisx

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// inboxCap bounds the recent-notification list per user.
const inboxCap = 100

// Inbox caches each user's most recent notifications for fast reads. The
// notification table remains authoritative; the cache is best effort.
type Inbox struct {
	client *Client
	logger *zap.Logger
}

// NewInbox creates the inbox cache service.
func NewInbox(client *Client, logger *zap.Logger) *Inbox {
	return &Inbox{client: client, logger: logger}
}

func inboxKey(userAddress string) string {
	return fmt.Sprintf("INBOX:%s", userAddress)
}

// Push prepends a serialized notification and trims the list to capacity.
func (i *Inbox) Push(ctx context.Context, userAddress string, payload []byte) error {
	key := inboxKey(userAddress)

	if err := i.client.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("lpush inbox: %w", err)
	}

	if err := i.client.rdb.LTrim(ctx, key, 0, inboxCap-1).Err(); err != nil {
		return fmt.Errorf("ltrim inbox: %w", err)
	}

	return nil
}

// Recent returns up to limit cached notifications, newest first.
func (i *Inbox) Recent(ctx context.Context, userAddress string, limit int) ([]string, error) {
	if limit <= 0 || limit > inboxCap {
		limit = inboxCap
	}

	items, err := i.client.rdb.LRange(ctx, inboxKey(userAddress), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange inbox: %w", err)
	}

	return items, nil
}
