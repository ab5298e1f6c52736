package redisx

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// chatCap bounds the recent-message cache per conversation.
const chatCap = 50

// Chat caches recent messages per conversation. Entries hold ciphertext; the
// cache never sees plaintext content.
type Chat struct {
	client *Client
	logger *zap.Logger
}

// NewChat creates the chat cache service.
func NewChat(client *Client, logger *zap.Logger) *Chat {
	return &Chat{client: client, logger: logger}
}

func chatKey(conversationID string) string {
	return fmt.Sprintf("CHAT:%s", conversationID)
}

// Push prepends a serialized message entry and trims to capacity.
func (c *Chat) Push(ctx context.Context, conversationID string, payload []byte) error {
	key := chatKey(conversationID)

	if err := c.client.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return fmt.Errorf("lpush chat: %w", err)
	}

	if err := c.client.rdb.LTrim(ctx, key, 0, chatCap-1).Err(); err != nil {
		return fmt.Errorf("ltrim chat: %w", err)
	}

	return nil
}

// Recent returns up to limit cached message entries, newest first.
func (c *Chat) Recent(ctx context.Context, conversationID string, limit int) ([]string, error) {
	if limit <= 0 || limit > chatCap {
		limit = chatCap
	}

	items, err := c.client.rdb.LRange(ctx, chatKey(conversationID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange chat: %w", err)
	}

	return items, nil
}
