package messaging

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
	acked  []string
	nacked []string
}

func (c *scriptedConsumer) Receive(_ context.Context) (*broker.Delivery, error) {
	return nil, nil
}

func (c *scriptedConsumer) Ack(_ context.Context, receipt string) error {
	c.acked = append(c.acked, receipt)
	return nil
}

func (c *scriptedConsumer) Nack(_ context.Context, receipt string) error {
	c.nacked = append(c.nacked, receipt)
	return nil
}

func newTestMessagingPipeline(t *testing.T) (*Pipeline, *fakeMsgStore, *fakeDLQ) {
	t.Helper()
	svc, store, _, _, _ := newTestMessagingService(t)
	dlq := &fakeDLQ{}
	p := NewPipeline(svc, nil, dlq, PipelineConfig{MaxAttempts: 2, RetryDelay: time.Millisecond}, zap.NewNop())
	return p, store, dlq
}

func messageDelivery(t *testing.T, evt broker.Event, receipt string) *broker.Delivery {
	t.Helper()
	body, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return &broker.Delivery{Body: body, Receipt: receipt}
}

func TestPipelineProcessesAndAcks(t *testing.T) {
	p, store, dlq := newTestMessagingPipeline(t)
	consumer := &scriptedConsumer{}

	p.handle(context.Background(), consumer, messageDelivery(t, messageEvent(1, "0xbob", "0xalice", "hi"), "m1"))

	if len(consumer.acked) != 1 || consumer.acked[0] != "m1" {
		t.Errorf("acked = %v", consumer.acked)
	}
	if len(store.messages) != 1 {
		t.Errorf("stored %d messages, want 1", len(store.messages))
	}
	if len(dlq.letters) != 0 {
		t.Errorf("unexpected dead letters: %d", len(dlq.letters))
	}
}

func TestPipelineMalformedBodyDeadLettered(t *testing.T) {
	p, _, dlq := newTestMessagingPipeline(t)
	consumer := &scriptedConsumer{}

	p.handle(context.Background(), consumer, &broker.Delivery{
		Body:    []byte("not json"),
		Receipt: "m2",
	})

	if len(dlq.letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.letters))
	}
	// The envelope never parsed, so the raw body is all there is to keep.
	if string(dlq.letters[0].Payload) != "not json" {
		t.Errorf("parked payload = %q", dlq.letters[0].Payload)
	}
	if len(consumer.acked) != 1 {
		t.Errorf("acked = %v", consumer.acked)
	}
}

func TestPipelineNacksWhenDeadLetterStoreFails(t *testing.T) {
	p, _, dlq := newTestMessagingPipeline(t)
	dlq.insertErr = errors.New("dlq table unavailable")
	consumer := &scriptedConsumer{}

	p.handle(context.Background(), consumer, &broker.Delivery{
		Body:    []byte("not json"),
		Receipt: "m3",
	})

	if len(consumer.acked) != 0 {
		t.Errorf("acked = %v, want none", consumer.acked)
	}
	if len(consumer.nacked) != 1 || consumer.nacked[0] != "m3" {
		t.Errorf("nacked = %v, want [m3]", consumer.nacked)
	}
}

func TestPipelineExhaustedRetriesParkEventData(t *testing.T) {
	p, store, dlq := newTestMessagingPipeline(t)
	store.insertErr = context.DeadlineExceeded
	consumer := &scriptedConsumer{}

	evt := messageEvent(4, "0xbob", "0xalice", "lost")
	p.handle(context.Background(), consumer, messageDelivery(t, evt, "m4"))

	if len(dlq.letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dlq.letters))
	}
	dl := dlq.letters[0]
	if dl.SourceID != 4 || dl.Attempts != 2 || dl.Status != db.DLQStatusPending {
		t.Errorf("dead letter = %+v", dl)
	}
	// The inner event_data is parked so a retry re-enters through a fresh
	// outbox row and gets a fresh envelope from the poller.
	if string(dl.Payload) != string(evt.Payload) {
		t.Errorf("parked payload = %s, want inner event data %s", dl.Payload, evt.Payload)
	}
	if len(consumer.acked) != 1 {
		t.Errorf("exhausted event must still be settled, acked = %v", consumer.acked)
	}
}
