// Package broker abstracts the at-least-once pub/sub transport between the
// outbox poller and the consuming pipelines. Consumers must tolerate
// redelivery; dedup happens downstream on the event source id.
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Event is the routed envelope published by the outbox poller. source_id is
// the originating outbox row id and is the dedup key for every consumer.
type Event struct {
	EventType  string          `json:"event_type"`
	SourceID   int64           `json:"source_id"`
	EventID    string          `json:"event_id,omitempty"`
	PlatformID string          `json:"platform_id,omitempty"`
	Payload    json.RawMessage `json:"event_data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// DeliveryJob is emitted by the notification pipeline and consumed once by
// the delivery dispatcher. A dropped job degrades to a missed push; stored
// notification state stays authoritative.
type DeliveryJob struct {
	NotificationID string          `json:"notification_id"`
	SourceID       int64           `json:"source_id"`
	UserAddress    string          `json:"user_address"`
	PlatformID     string          `json:"platform_id,omitempty"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Data           json.RawMessage `json:"data,omitempty"`
	EnqueuedAt     int64           `json:"enqueued_at"`
}

// Delivery is one received message plus the handle needed to settle it.
type Delivery struct {
	Body []byte
	// Receipt identifies the in-flight message for Ack/Nack.
	Receipt string
}

// Producer publishes payloads to a topic. Publish returns only after the
// transport acknowledged the message.
type Producer interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Consumer receives messages from a single topic. Receive returns (nil, nil)
// when no message arrived within the transport's wait window.
type Consumer interface {
	Receive(ctx context.Context) (*Delivery, error)
	// Ack settles a message after the full side-effect sequence completed.
	Ack(ctx context.Context, receipt string) error
	// Nack makes the message visible again for redelivery.
	Nack(ctx context.Context, receipt string) error
}

// ConsumerFactory opens a consumer for one topic. Pipelines that consume
// several topics open one consumer per topic.
type ConsumerFactory interface {
	Consumer(ctx context.Context, topic string) (Consumer, error)
}
