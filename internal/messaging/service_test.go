package messaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/crypto"
	"github.com/lumen-social/relay/internal/db"
)

type fakeMsgStore struct {
	conversations map[string]*db.Conversation
	messages      []*db.Message
	seen          map[int64]bool
	insertErr     error
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{
		conversations: make(map[string]*db.Conversation),
		seen:          make(map[int64]bool),
	}
}

func (s *fakeMsgStore) GetOrCreateConversation(_ context.Context, conversationID, p1, p2 string) (*db.Conversation, error) {
	if conv, ok := s.conversations[conversationID]; ok {
		return conv, nil
	}
	conv := &db.Conversation{
		ID:             int64(len(s.conversations) + 1),
		ConversationID: conversationID,
		Participant1:   p1,
		Participant2:   p2,
	}
	s.conversations[conversationID] = conv
	return conv, nil
}

func (s *fakeMsgStore) InsertMessage(_ context.Context, msg *db.Message) (bool, error) {
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if s.seen[msg.SourceID] {
		return false, nil
	}
	s.seen[msg.SourceID] = true
	s.messages = append(s.messages, msg)
	return true, nil
}

type fakeChat struct {
	pushes map[string][][]byte
}

func (c *fakeChat) Push(_ context.Context, conversationID string, payload []byte) error {
	if c.pushes == nil {
		c.pushes = make(map[string][][]byte)
	}
	c.pushes[conversationID] = append(c.pushes[conversationID], payload)
	return nil
}

type fakeFanout struct {
	published map[string][][]byte
}

func (f *fakeFanout) Publish(_ context.Context, userAddress string, payload []byte) error {
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[userAddress] = append(f.published[userAddress], payload)
	return nil
}

func newTestMessagingService(t *testing.T) (*Service, *fakeMsgStore, *fakeChat, *fakeFanout, *crypto.Engine) {
	t.Helper()
	engine, err := crypto.NewEngine("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	store := newFakeMsgStore()
	chat := &fakeChat{}
	fanout := &fakeFanout{}
	svc := NewService(store, engine, chat, fanout, zap.NewNop())
	return svc, store, chat, fanout, engine
}

func messageEvent(sourceID int64, sender, recipient, content string) broker.Event {
	payload, _ := json.Marshal(map[string]string{
		"sender_address":    sender,
		"recipient_address": recipient,
		"content":           content,
	})
	return broker.Event{
		EventType: "message.created",
		SourceID:  sourceID,
		Payload:   payload,
	}
}

func TestConversationIDCanonical(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"0xalice", "0xbob", "0xalice:0xbob"},
		{"0xbob", "0xalice", "0xalice:0xbob"},
		{"0xalice", "0xalice", "0xalice:0xalice"},
	}
	for _, tt := range tests {
		if got := ConversationID(tt.a, tt.b); got != tt.want {
			t.Errorf("ConversationID(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestProcessEventStoresEncryptedMessage(t *testing.T) {
	svc, store, _, _, engine := newTestMessagingService(t)

	if err := svc.ProcessEvent(context.Background(), messageEvent(1, "0xbob", "0xalice", "hello alice")); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	if len(store.messages) != 1 {
		t.Fatalf("stored %d messages, want 1", len(store.messages))
	}
	msg := store.messages[0]
	if msg.ConversationID != "0xalice:0xbob" {
		t.Errorf("conversation id = %q", msg.ConversationID)
	}
	if bytes.Contains(msg.Ciphertext, []byte("hello alice")) {
		t.Error("plaintext leaked into stored ciphertext")
	}

	plaintext, err := engine.DecryptForConversation(msg.ConversationID, msg.Nonce, msg.Ciphertext)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plaintext) != "hello alice" {
		t.Errorf("round trip = %q", plaintext)
	}
}

func TestProcessEventBothDirectionsShareConversation(t *testing.T) {
	svc, store, _, _, _ := newTestMessagingService(t)
	ctx := context.Background()

	if err := svc.ProcessEvent(ctx, messageEvent(1, "0xalice", "0xbob", "hi")); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}
	if err := svc.ProcessEvent(ctx, messageEvent(2, "0xbob", "0xalice", "hi back")); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	if len(store.conversations) != 1 {
		t.Errorf("created %d conversations, want 1", len(store.conversations))
	}
}

func TestProcessEventRedeliverySkipsSideEffects(t *testing.T) {
	svc, store, chat, fanout, _ := newTestMessagingService(t)
	ctx := context.Background()

	if err := svc.ProcessEvent(ctx, messageEvent(5, "0xbob", "0xalice", "once")); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := svc.ProcessEvent(ctx, messageEvent(5, "0xbob", "0xalice", "once")); err != nil {
		t.Fatalf("redelivery must succeed: %v", err)
	}

	if len(store.messages) != 1 {
		t.Errorf("stored %d messages, want 1", len(store.messages))
	}
	if len(chat.pushes["0xalice:0xbob"]) != 1 {
		t.Errorf("chat pushes = %d, want 1", len(chat.pushes["0xalice:0xbob"]))
	}
	if len(fanout.published["0xalice"]) != 1 {
		t.Errorf("fanout entries = %d, want 1", len(fanout.published["0xalice"]))
	}
}

func TestProcessEventCacheHoldsCiphertextOnly(t *testing.T) {
	svc, _, chat, _, _ := newTestMessagingService(t)

	if err := svc.ProcessEvent(context.Background(), messageEvent(7, "0xbob", "0xalice", "secret words")); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	entries := chat.pushes["0xalice:0xbob"]
	if len(entries) != 1 {
		t.Fatalf("chat pushes = %d, want 1", len(entries))
	}
	if bytes.Contains(entries[0], []byte("secret words")) {
		t.Error("plaintext leaked into chat cache")
	}

	var entry chatEntry
	if err := json.Unmarshal(entries[0], &entry); err != nil {
		t.Fatalf("bad chat entry: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(entry.Ciphertext); err != nil {
		t.Errorf("ciphertext not base64: %v", err)
	}
	if entry.Sender != "0xbob" || entry.Recipient != "0xalice" {
		t.Errorf("entry participants = %q -> %q", entry.Sender, entry.Recipient)
	}
}

func TestProcessEventFanoutTargetsRecipient(t *testing.T) {
	svc, _, _, fanout, _ := newTestMessagingService(t)

	if err := svc.ProcessEvent(context.Background(), messageEvent(8, "0xbob", "0xalice", "ping")); err != nil {
		t.Fatalf("ProcessEvent failed: %v", err)
	}

	if len(fanout.published["0xalice"]) != 1 {
		t.Fatalf("recipient stream entries = %d, want 1", len(fanout.published["0xalice"]))
	}
	if len(fanout.published["0xbob"]) != 0 {
		t.Error("sender must not receive a fanout entry")
	}

	var entry streamEntry
	if err := json.Unmarshal(fanout.published["0xalice"][0], &entry); err != nil {
		t.Fatalf("bad stream entry: %v", err)
	}
	if entry.Type != "message" || entry.ConversationID != "0xalice:0xbob" || entry.Sender != "0xbob" {
		t.Errorf("stream entry = %+v", entry)
	}
	if bytes.Contains(fanout.published["0xalice"][0], []byte("ping")) {
		t.Error("plaintext leaked into fanout stream")
	}
}

func TestProcessEventMissingParticipants(t *testing.T) {
	svc, store, _, _, _ := newTestMessagingService(t)

	evt := broker.Event{
		EventType: "message.created",
		SourceID:  9,
		Payload:   json.RawMessage(`{"content":"orphan"}`),
	}
	if err := svc.ProcessEvent(context.Background(), evt); err == nil {
		t.Fatal("expected error for missing participants")
	}
	if len(store.messages) != 0 {
		t.Error("malformed event stored a message")
	}
}
