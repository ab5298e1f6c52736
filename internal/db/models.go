package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxRecord is a CDC row written by the upstream indexer. The relay only
// reads unprocessed rows and flips processed_at; it never deletes rows.
type OutboxRecord struct {
	ID           int64           `json:"id"`
	EventType    string          `json:"event_type"`
	EventData    json.RawMessage `json:"event_data"`
	EventID      *string         `json:"event_id,omitempty"`
	PlatformID   *string         `json:"platform_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	PublishedAt  *time.Time      `json:"published_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// Notification is created on first sight of an outbox source id and mutated
// only to set read_at. The unique constraint on source_id is what makes
// broker redelivery idempotent.
type Notification struct {
	ID          uuid.UUID       `json:"id"`
	SourceID    int64           `json:"source_id"`
	UserAddress string          `json:"user_address"`
	PlatformID  *string         `json:"platform_id,omitempty"`
	Kind        string          `json:"kind"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	Data        json.RawMessage `json:"data,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Conversation pairs two participants. The conversation_id is the
// canonicalized participant pair, so A->B and B->A share one row.
type Conversation struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Participant1   string     `json:"participant1_address"`
	Participant2   string     `json:"participant2_address"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Message holds only ciphertext; plaintext content is never persisted.
type Message struct {
	ID             uuid.UUID `json:"id"`
	SourceID       int64     `json:"source_id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender_address"`
	Recipient      string    `json:"recipient_address"`
	Ciphertext     []byte    `json:"-"`
	Nonce          []byte    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// PlatformDeliveryConfig carries per-platform provider credentials. Empty
// fields fall back to the global delivery config per field, not per record.
type PlatformDeliveryConfig struct {
	PlatformID     string    `json:"platform_id"`
	APNSBundleID   string    `json:"apns_bundle_id,omitempty"`
	APNSKeyID      string    `json:"apns_key_id,omitempty"`
	APNSTeamID     string    `json:"apns_team_id,omitempty"`
	APNSKeyContent string    `json:"apns_key_content,omitempty"`
	FCMServerKey   string    `json:"fcm_server_key,omitempty"`
	EmailAPIKey    string    `json:"email_api_key,omitempty"`
	EmailFrom      string    `json:"email_from,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DeviceToken registers a push destination for a user. The platform column
// decides the push channel (apns or fcm).
type DeviceToken struct {
	ID          int64     `json:"id"`
	UserAddress string    `json:"user_address"`
	Token       string    `json:"device_token"`
	Platform    string    `json:"platform"`
	CreatedAt   time.Time `json:"created_at"`
}

// Device platform constants
const (
	DevicePlatformIOS     = "ios"
	DevicePlatformAndroid = "android"
)

// DLQ status constants
const (
	DLQStatusPending   = "pending"
	DLQStatusRetried   = "retried"
	DLQStatusDiscarded = "discarded"
)

// DeadLetter preserves a pipeline event that permanently failed processing,
// for inspection and manual retry. Never silently dropped. Payload holds the
// event's inner event_data, or the raw broker body when the envelope itself
// was malformed, so it is stored as bytes rather than validated JSON.
type DeadLetter struct {
	ID        uuid.UUID `json:"id"`
	SourceID  int64     `json:"source_id"`
	Topic     string    `json:"topic"`
	Pipeline  string    `json:"pipeline"`
	Payload   []byte    `json:"payload"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
