package messaging

import (
	"context"
	"encoding/json"
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
	MaxAttempts int
	RetryDelay  time.Duration
}

// Pipeline consumes events.message.created and feeds the service.
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

// Run consumes the message topic until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	consumer, err := p.factory.Consumer(ctx, router.TopicMessageCreated)
	if err != nil {
		return err
	}

	p.logger.Info("messaging pipeline started")
	defer p.logger.Info("messaging pipeline stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delivery, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.config.RetryDelay):
			}
			continue
		}
		if delivery == nil {
			continue
		}

		p.handle(ctx, consumer, delivery)
	}
}

func (p *Pipeline) handle(ctx context.Context, consumer broker.Consumer, delivery *broker.Delivery) {
	var evt broker.Event
	if err := json.Unmarshal(delivery.Body, &evt); err != nil {
		// If parking fails the message goes back to the broker, not the void.
		if dlErr := p.deadLetter(ctx, 0, delivery.Body, 1, err); dlErr != nil {
			p.nack(ctx, consumer, delivery)
			return
		}
		p.ack(ctx, consumer, delivery)
		return
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.MaxAttempts; attempt++ {
		lastErr = p.service.ProcessEvent(ctx, evt)
		if lastErr == nil {
			p.ack(ctx, consumer, delivery)
			return
		}

		p.logger.Warn("message processing failed",
			zap.Int64("source_id", evt.SourceID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < p.config.MaxAttempts {
			select {
			case <-ctx.Done():
				if err := consumer.Nack(context.Background(), delivery.Receipt); err != nil {
					p.logger.Error("nack failed", zap.Error(err))
				}
				return
			case <-time.After(p.config.RetryDelay * time.Duration(attempt)):
			}
		}
	}

	metrics.RecordEventProcessed(pipelineName, "failed")
	// Park the inner event_data so a retry re-enters through a fresh outbox
	// row and gets a fresh envelope from the poller.
	if dlErr := p.deadLetter(ctx, evt.SourceID, evt.Payload, p.config.MaxAttempts, lastErr); dlErr != nil {
		p.nack(ctx, consumer, delivery)
		return
	}
	p.ack(ctx, consumer, delivery)
}

func (p *Pipeline) deadLetter(ctx context.Context, sourceID int64, payload []byte, attempts int, cause error) error {
	dl := &db.DeadLetter{
		ID:       uuid.New(),
		SourceID: sourceID,
		Topic:    router.TopicMessageCreated,
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
			zap.Int64("source_id", sourceID),
			zap.Error(err),
		)
		return err
	}

	metrics.RecordDeadLetter(pipelineName)
	return nil
}

func (p *Pipeline) ack(ctx context.Context, consumer broker.Consumer, delivery *broker.Delivery) {
	if err := consumer.Ack(ctx, delivery.Receipt); err != nil {
		p.logger.Error("ack failed", zap.Error(err))
	}
}

func (p *Pipeline) nack(ctx context.Context, consumer broker.Consumer, delivery *broker.Delivery) {
	if err := consumer.Nack(ctx, delivery.Receipt); err != nil {
		p.logger.Error("nack failed", zap.Error(err))
	}
}
