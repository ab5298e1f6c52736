// Package messaging persists direct messages from message.created events:
// canonical conversation resolution, per-conversation encryption, the
// recent-message cache, and the per-recipient real-time fanout stream.
package messaging

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/db"
	"github.com/lumen-social/relay/internal/metrics"
)

const pipelineName = "messaging"

// Store is the slice of the repository the messaging service needs.
type Store interface {
	GetOrCreateConversation(ctx context.Context, conversationID, participant1, participant2 string) (*db.Conversation, error)
	InsertMessage(ctx context.Context, msg *db.Message) (bool, error)
}

// ChatCache holds recent ciphertext entries per conversation.
type ChatCache interface {
	Push(ctx context.Context, conversationID string, payload []byte) error
}

// Fanout appends real-time entries to per-user streams.
type Fanout interface {
	Publish(ctx context.Context, userAddress string, payload []byte) error
}

// Cipher seals message content under the conversation key.
type Cipher interface {
	EncryptForConversation(conversationID string, plaintext []byte) (ciphertext, nonce []byte, err error)
}

// ConversationID canonicalizes a participant pair so both directions of a
// conversation map to the same id.
func ConversationID(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

type Service struct {
	store  Store
	cipher Cipher
	chat   ChatCache
	fanout Fanout
	logger *zap.Logger
}

func NewService(store Store, cipher Cipher, chat ChatCache, fanout Fanout, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		cipher: cipher,
		chat:   chat,
		fanout: fanout,
		logger: logger,
	}
}

// messagePayload is the event_data shape of a message.created event.
type messagePayload struct {
	Sender    string `json:"sender_address"`
	Recipient string `json:"recipient_address"`
	Content   string `json:"content"`
}

// chatEntry is the JSON shape cached in CHAT:{conversation}. Content stays
// encrypted; the cache never sees plaintext.
type chatEntry struct {
	MessageID  string    `json:"message_id"`
	Sender     string    `json:"sender_address"`
	Recipient  string    `json:"recipient_address"`
	Ciphertext string    `json:"ciphertext"`
	Nonce      string    `json:"nonce"`
	CreatedAt  time.Time `json:"created_at"`
}

// streamEntry is the JSON shape appended to STREAM:CHAT:{recipient}. The
// WebSocket collaborator uses it as a wake-up signal and fetches content
// through the authenticated read path.
type streamEntry struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender_address"`
}

// ProcessEvent handles one message.created event. The message insert is the
// dedup gate: an already-stored source id means broker redelivery and the
// event is acknowledged without re-encrypting or re-publishing.
func (s *Service) ProcessEvent(ctx context.Context, evt broker.Event) error {
	var payload messagePayload
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return fmt.Errorf("decode message payload: %w", err)
	}
	if payload.Sender == "" || payload.Recipient == "" {
		return fmt.Errorf("message event %d missing participants", evt.SourceID)
	}

	conversationID := ConversationID(payload.Sender, payload.Recipient)

	conv, err := s.store.GetOrCreateConversation(ctx, conversationID, firstOf(payload.Sender, payload.Recipient), secondOf(payload.Sender, payload.Recipient))
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	ciphertext, nonce, err := s.cipher.EncryptForConversation(conversationID, []byte(payload.Content))
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}

	msg := &db.Message{
		ID:             uuid.New(),
		SourceID:       evt.SourceID,
		ConversationID: conversationID,
		Sender:         payload.Sender,
		Recipient:      payload.Recipient,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		CreatedAt:      time.Now().UTC(),
	}

	created, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	if !created {
		metrics.RecordDedupHit(pipelineName)
		s.logger.Debug("duplicate message skipped",
			zap.Int64("source_id", evt.SourceID),
			zap.String("conversation_id", conversationID),
		)
		return nil
	}

	s.fanOut(ctx, msg, conv.ConversationID)
	metrics.RecordEventProcessed(pipelineName, "processed")
	return nil
}

// fanOut updates the chat cache and the recipient's real-time stream. Both
// are best effort: the message row is durable and the caches rebuild from it.
func (s *Service) fanOut(ctx context.Context, msg *db.Message, conversationID string) {
	entry := chatEntry{
		MessageID:  msg.ID.String(),
		Sender:     msg.Sender,
		Recipient:  msg.Recipient,
		Ciphertext: base64.StdEncoding.EncodeToString(msg.Ciphertext),
		Nonce:      base64.StdEncoding.EncodeToString(msg.Nonce),
		CreatedAt:  msg.CreatedAt,
	}
	if payload, err := json.Marshal(entry); err == nil {
		if err := s.chat.Push(ctx, conversationID, payload); err != nil {
			s.logger.Warn("chat cache push failed",
				zap.String("conversation_id", conversationID),
				zap.Error(err),
			)
		}
	}

	signal := streamEntry{
		Type:           "message",
		MessageID:      msg.ID.String(),
		ConversationID: conversationID,
		Sender:         msg.Sender,
	}
	if payload, err := json.Marshal(signal); err == nil {
		if err := s.fanout.Publish(ctx, msg.Recipient, payload); err != nil {
			s.logger.Warn("fanout publish failed",
				zap.String("recipient", msg.Recipient),
				zap.Error(err),
			)
		}
	}
}

func firstOf(a, b string) string {
	if a < b {
		return a
	}
	return b
}

func secondOf(a, b string) string {
	if a < b {
		return b
	}
	return a
}
