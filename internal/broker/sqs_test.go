package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

type capturingSendAPI struct {
	inputs []*sqs.SendMessageInput
}

func (c *capturingSendAPI) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	c.inputs = append(c.inputs, params)
	return &sqs.SendMessageOutput{}, nil
}

func TestQueueURLMapping(t *testing.T) {
	cfg := Config{
		Region:      "us-east-1",
		QueuePrefix: "https://sqs.us-east-1.amazonaws.com/123456789/relay",
	}

	tests := []struct {
		topic string
		want  string
	}{
		{"events.post.reaction", "https://sqs.us-east-1.amazonaws.com/123456789/relay-events-post-reaction"},
		{"notifications.delivery", "https://sqs.us-east-1.amazonaws.com/123456789/relay-notifications-delivery"},
		{"events.unknown", "https://sqs.us-east-1.amazonaws.com/123456789/relay-events-unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := cfg.queueURL(tt.topic); got != tt.want {
				t.Errorf("queueURL(%q) = %q, want %q", tt.topic, got, tt.want)
			}
		})
	}
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	evt := Event{
		EventType:  "reaction.created",
		SourceID:   42,
		PlatformID: "p1",
		Payload:    json.RawMessage(`{"post_owner":"0xabc"}`),
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	body, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got Event
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.SourceID != 42 || got.EventType != "reaction.created" || got.PlatformID != "p1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestPublishTargetsTopicQueueWithoutGroupID(t *testing.T) {
	client := &capturingSendAPI{}
	p := newSQSProducer(client, Config{
		Region:      "us-east-1",
		QueuePrefix: "https://sqs.us-east-1.amazonaws.com/123456789/relay",
	}, zap.NewNop())

	if err := p.Publish(context.Background(), "events.post.reaction", "42", []byte(`{"source_id":42}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(client.inputs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(client.inputs))
	}
	in := client.inputs[0]
	if got := *in.QueueUrl; got != "https://sqs.us-east-1.amazonaws.com/123456789/relay-events-post-reaction" {
		t.Errorf("queue url = %q", got)
	}
	if got := *in.MessageBody; got != `{"source_id":42}` {
		t.Errorf("body = %q", got)
	}
	// Standard queues reject group ids; the partition key must stay a no-op.
	if in.MessageGroupId != nil {
		t.Errorf("message group id set to %q, want unset", *in.MessageGroupId)
	}
}
