package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/db"
	"github.com/lumen-social/relay/internal/metrics"
	"github.com/lumen-social/relay/internal/router"
)

// DeadLetterStore records events that exhausted their retries.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, dl *db.DeadLetter) error
}

type PipelineConfig struct {
	// MaxAttempts bounds in-process retries before an event is dead-lettered.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Pipeline consumes every notification-bearing topic and feeds the service.
// One consumer loop runs per topic; they share the service and settle each
// message only after processing reaches a terminal outcome.
type Pipeline struct {
	service     *Service
	factory     broker.ConsumerFactory
	deadLetters DeadLetterStore
	config      PipelineConfig
	logger      *zap.Logger
}

func NewPipeline(service *Service, factory broker.ConsumerFactory, deadLetters DeadLetterStore, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	return &Pipeline{
		service:     service,
		factory:     factory,
		deadLetters: deadLetters,
		config:      cfg,
		logger:      logger,
	}
}

// Run starts one consumer loop per notification topic and blocks until the
// context is cancelled and all loops drain.
func (p *Pipeline) Run(ctx context.Context) error {
	topics := router.NotificationTopics()

	var wg sync.WaitGroup
	for _, topic := range topics {
		consumer, err := p.factory.Consumer(ctx, topic)
		if err != nil {
			return err
		}

		wg.Add(1)
		go func(topic string, consumer broker.Consumer) {
			defer wg.Done()
			p.consumeLoop(ctx, topic, consumer)
		}(topic, consumer)
	}

	p.logger.Info("notification pipeline started", zap.Int("topics", len(topics)))
	wg.Wait()
	p.logger.Info("notification pipeline stopped")
	return nil
}

func (p *Pipeline) consumeLoop(ctx context.Context, topic string, consumer broker.Consumer) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delivery, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("receive failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.RetryDelay):
			}
			continue
		}
		if delivery == nil {
			continue
		}

		p.handle(ctx, topic, consumer, delivery)
	}
}

// handle drives one message to a terminal outcome: processed, dead-lettered,
// or returned to the broker for redelivery.
func (p *Pipeline) handle(ctx context.Context, topic string, consumer broker.Consumer, delivery *broker.Delivery) {
	var evt broker.Event
	if err := json.Unmarshal(delivery.Body, &evt); err != nil {
		// Malformed payloads never become processable; park them. If even
		// parking fails the message goes back to the broker, not the void.
		if dlErr := p.deadLetter(ctx, topic, 0, delivery.Body, 1, err); dlErr != nil {
			p.nack(ctx, topic, consumer, delivery)
			return
		}
		p.ack(ctx, topic, consumer, delivery)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		lastErr = p.service.ProcessEvent(ctx, evt)
		if lastErr == nil {
			p.ack(ctx, topic, consumer, delivery)
			return
		}

		p.logger.Warn("event processing failed",
			zap.String("topic", topic),
			zap.Int64("source_id", evt.SourceID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < p.config.MaxAttempts {
			select {
			case <-ctx.Done():
				// Shutting down mid-retry: leave the message in flight for
				// redelivery and let dedup absorb the replay.
				if err := consumer.Nack(context.Background(), delivery.Receipt); err != nil {
					p.logger.Error("nack failed", zap.String("topic", topic), zap.Error(err))
				}
				return
			case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
			}
		}
	}

	metrics.RecordEventProcessed(pipelineName, "failed")
	// Park the inner event_data, not the broker envelope: a retry re-enters
	// through a fresh outbox row and gets a fresh envelope from the poller.
	if dlErr := p.deadLetter(ctx, topic, evt.SourceID, evt.Payload, p.config.MaxAttempts, lastErr); dlErr != nil {
		p.nack(ctx, topic, consumer, delivery)
		return
	}
	p.ack(ctx, topic, consumer, delivery)
}

func (p *Pipeline) deadLetter(ctx context.Context, topic string, sourceID int64, payload []byte, attempts int, cause error) error {
	dl := &db.DeadLetter{
		ID:       uuid.New(),
		SourceID: sourceID,
		Topic:    topic,
		Pipeline: pipelineName,
		Payload:  payload,
		Attempts: attempts,
		Status:   db.DLQStatusPending,
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}

	if err := p.deadLetters.InsertDeadLetter(ctx, dl); err != nil {
		p.logger.Error("failed to store dead letter",
			zap.String("topic", topic),
			zap.Int64("source_id", sourceID),
			zap.Error(err),
		)
		return err
	}

	metrics.RecordDeadLetter(pipelineName)
	p.logger.Error("event dead-lettered",
		zap.String("topic", topic),
		zap.Int64("source_id", sourceID),
		zap.Int("attempts", attempts),
	)
	return nil
}

func (p *Pipeline) ack(ctx context.Context, topic string, consumer broker.Consumer, delivery *broker.Delivery) {
	if err := consumer.Ack(ctx, delivery.Receipt); err != nil {
		p.logger.Error("ack failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}

func (p *Pipeline) nack(ctx context.Context, topic string, consumer broker.Consumer, delivery *broker.Delivery) {
	if err := consumer.Nack(ctx, delivery.Receipt); err != nil {
		p.logger.Error("nack failed",
			zap.String("topic", topic),
			zap.Error(err),
		)
	}
}
