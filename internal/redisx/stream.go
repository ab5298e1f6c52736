package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// streamMaxLen bounds each per-user fanout stream; older entries are evicted
// approximately (XADD MAXLEN ~).
const streamMaxLen = 1000

// Fanout publishes real-time entries to per-user streams. The WebSocket
// layer (an external collaborator) reads these streams to push to connected
// clients; the relay only appends.
type Fanout struct {
	client *Client
	logger *zap.Logger
}

// NewFanout creates the real-time fanout service.
func NewFanout(client *Client, logger *zap.Logger) *Fanout {
	return &Fanout{client: client, logger: logger}
}

func streamKey(userAddress string) string {
	return fmt.Sprintf("STREAM:CHAT:%s", userAddress)
}

// Publish appends an entry to the user's stream.
func (f *Fanout) Publish(ctx context.Context, userAddress string, payload []byte) error {
	err := f.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(userAddress),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd fanout: %w", err)
	}

	return nil
}

// Read returns up to count entries after the given stream id (empty for
// all). Used by the WebSocket collaborator's catch-up path.
func (f *Fanout) Read(ctx context.Context, userAddress, afterID string, count int64) ([]redis.XMessage, error) {
	start := "-"
	if afterID != "" {
		start = "(" + afterID
	}

	msgs, err := f.client.rdb.XRangeN(ctx, streamKey(userAddress), start, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange fanout: %w", err)
	}

	return msgs, nil
}
