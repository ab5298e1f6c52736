package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/db"
)

type fakeDLQ struct {
	letters   []*db.DeadLetter
	insertErr error
}

func (d *fakeDLQ) InsertDeadLetter(_ context.Context, dl *db.DeadLetter) error {
	if d.insertErr != nil {
		return d.insertErr
	}
	d.letters = append(d.letters, dl)
	return nil
}

type scriptedConsumer struct {
	deliveries []*broker.Delivery
	acked      []string
	nacked     []string
}

func (c *scriptedConsumer) Receive(_ context.Context) (*broker.Delivery, error) {
	if len(c.deliveries) == 0 {
		return nil, nil
	}
	d := c.deliveries[0]
	c.deliveries = c.deliveries[1:]
	return d, nil
}

func (c *scriptedConsumer) Ack(_ context.Context, receipt string) error {
	c.acked = append(c.acked, receipt)
	return nil
}

func (c *scriptedConsumer) Nack(_ context.Context, receipt string) error {
	c.nacked = append(c.nacked, receipt)
	return nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeNotifStore, *fakeDLQ) {
	t.Helper()
	svc, store, _, _, _ := newTestService()
	dlq := &fakeDLQ{}
	p := NewPipeline(svc, nil, dlq, PipelineConfig{MaxAttempts: 2, RetryDelay: time.Millisecond}, zap.NewNop())
	return p, store, dlq
}

func eventDelivery(t *testing.T, evt broker.Event, receipt string) *broker.Delivery {
	t.Helper()
	body, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &broker.Delivery{Body: body, Receipt: receipt}
}

func TestHandleProcessesAndAcks(t *testing.T) {
	p, store, dlq := newTestPipeline(t)
	consumer := &scriptedConsumer{}

	p.handle(context.Background(), "events.post.reaction", consumer, eventDelivery(t, reactionEvent(1, ""), "r1"))

	if len(consumer.acked) != 1 || consumer.acked[0] != "r1" {
		t.Errorf("acked = %v", consumer.acked)
	}
	if len(store.inserted) != 1 {
		t.Errorf("inserted = %d, want 1", len(store.inserted))
	}
	if len(dlq.letters) != 0 {
		t.Errorf("unexpected dead letters: %d", len(dlq.letters))
	}
}

func TestHandleMalformedPayloadDeadLettered(t *testing.T) {
	p, _, dlq := newTestPipeline(t)
	consumer := &scriptedConsumer{}

	p.handle(context.Background(), "events.post.reaction", consumer, &broker.Delivery{
		Body:    []byte("not json"),
		Receipt: "r2",
	})

	if len(dlq.letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.letters))
	}
	if dlq.letters[0].Pipeline != pipelineName {
		t.Errorf("pipeline = %q", dlq.letters[0].Pipeline)
	}
	// Parked messages are still settled so they stop redelivering.
	if len(consumer.acked) != 1 {
		t.Errorf("acked = %v", consumer.acked)
	}
}

func TestHandleExhaustedRetriesDeadLettered(t *testing.T) {
	svc, store, _, _, _ := newTestService()
	store.insertErr = context.DeadlineExceeded
	dlq := &fakeDLQ{}
	p := NewPipeline(svc, nil, dlq, PipelineConfig{MaxAttempts: 3, RetryDelay: time.Millisecond}, zap.NewNop())
	consumer := &scriptedConsumer{}

	p.handle(context.Background(), "events.post.reaction", consumer, eventDelivery(t, reactionEvent(2, ""), "r3"))

	if len(dlq.letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.letters))
	}
	dl := dlq.letters[0]
	if dl.SourceID != 2 || dl.Attempts != 3 || dl.Status != db.DLQStatusPending {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.LastError == "" {
		t.Error("dead letter missing cause")
	}
	if len(consumer.acked) != 1 {
		t.Errorf("exhausted event must still be settled, acked = %v", consumer.acked)
	}
}

func TestDeadLetteredPayloadRetainsRecipients(t *testing.T) {
	svc, store, _, _, _ := newTestService()
	store.insertErr = context.DeadlineExceeded
	dlq := &fakeDLQ{}
	p := NewPipeline(svc, nil, dlq, PipelineConfig{MaxAttempts: 2, RetryDelay: time.Millisecond}, zap.NewNop())
	consumer := &scriptedConsumer{}

	evt := reactionEvent(11, "")
	p.handle(context.Background(), "events.post.reaction", consumer, eventDelivery(t, evt, "r5"))

	if len(dlq.letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.letters))
	}
	dl := dlq.letters[0]

	// The stored payload is the inner event_data, not the broker envelope.
	// Re-enqueueing it as a fresh outbox row must yield an event whose
	// recipients are still extractable.
	if string(dl.Payload) != string(evt.Payload) {
		t.Errorf("parked payload = %s, want inner event data %s", dl.Payload, evt.Payload)
	}
	recipients := ExtractRecipients(evt.EventType, dl.Payload)
	if len(recipients) != 1 || recipients[0] != "0xowner" {
		t.Errorf("recipients from parked payload = %v, want [0xowner]", recipients)
	}
}

func TestHandleNacksWhenDeadLetterStoreFails(t *testing.T) {
	p, _, dlq := newTestPipeline(t)
	dlq.insertErr = errors.New("dlq table unavailable")
	consumer := &scriptedConsumer{}

	p.handle(context.Background(), "events.post.reaction", consumer, &broker.Delivery{
		Body:    []byte("not json"),
		Receipt: "r6",
	})

	// A message that cannot even be parked must redeliver, never vanish.
	if len(consumer.acked) != 0 {
		t.Errorf("acked = %v, want none", consumer.acked)
	}
	if len(consumer.nacked) != 1 || consumer.nacked[0] != "r6" {
		t.Errorf("nacked = %v, want [r6]", consumer.nacked)
	}
}

func TestHandleRecoversOnRetry(t *testing.T) {
	svc, store, _, _, _ := newTestService()
	dlq := &fakeDLQ{}
	p := NewPipeline(svc, nil, dlq, PipelineConfig{MaxAttempts: 3, RetryDelay: time.Millisecond}, zap.NewNop())
	consumer := &scriptedConsumer{}

	// First attempt fails, then the store comes back.
	store.failFirst = 1

	p.handle(context.Background(), "events.post.reaction", consumer, eventDelivery(t, reactionEvent(3, ""), "r4"))

	if len(consumer.acked) != 1 {
		t.Fatalf("acked = %v, want 1 ack", consumer.acked)
	}
	if len(dlq.letters) != 0 {
		t.Errorf("recovered event dead-lettered: %d", len(dlq.letters))
	}
}
