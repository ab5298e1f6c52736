package redisx

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"
)

func TestInboxPushAndRecent(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	inbox := NewInbox(client, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := inbox.Push(ctx, "0xabc", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	items, err := inbox.Recent(ctx, "0xabc", 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	// Newest first
	if items[0] != `{"n":2}` {
		t.Errorf("expected newest first, got %q", items[0])
	}
}

func TestInboxBounded(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	inbox := NewInbox(client, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < inboxCap+20; i++ {
		if err := inbox.Push(ctx, "0xabc", []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	items, err := inbox.Recent(ctx, "0xabc", 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(items) != inboxCap {
		t.Errorf("inbox not trimmed: %d items, cap %d", len(items), inboxCap)
	}
}

func TestChatPushAndBound(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	chat := NewChat(client, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < chatCap+10; i++ {
		if err := chat.Push(ctx, "a:b", []byte(fmt.Sprintf(`{"m":%d}`, i))); err != nil {
			t.Fatalf("push failed: %v", err)
		}
	}

	items, err := chat.Recent(ctx, "a:b", 0)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(items) != chatCap {
		t.Errorf("chat not trimmed: %d items, cap %d", len(items), chatCap)
	}
}

func TestFanoutPublishRead(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	fanout := NewFanout(client, zap.NewNop())
	ctx := context.Background()

	if err := fanout.Publish(ctx, "0xbob", []byte(`{"type":"message"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := fanout.Publish(ctx, "0xbob", []byte(`{"type":"message2"}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msgs, err := fanout.Read(ctx, "0xbob", "", 10)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d stream entries, want 2", len(msgs))
	}
	if msgs[0].Values["data"] != `{"type":"message"}` {
		t.Errorf("unexpected first entry: %+v", msgs[0].Values)
	}
}
