// Package outbox drives the CDC side of the relay: it polls the indexer's
// outbox table, routes each record to a broker topic, and publishes it.
// Publish-then-mark ordering keeps the pipeline at-least-once; a crash
// between the publish and the mark is tolerated by consumer-side dedup.
package outbox

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/db"
	"github.com/lumen-social/relay/internal/metrics"
	"github.com/lumen-social/relay/internal/router"
)

// Store is the slice of the repository the poller needs.
type Store interface {
	FetchUnprocessed(ctx context.Context, afterID int64, maxRetries, limit int) ([]*db.OutboxRecord, error)
	MarkProcessed(ctx context.Context, id int64) error
	RecordPublishFailure(ctx context.Context, id int64, publishErr error) error
	LoadCursor(ctx context.Context, name string) (int64, error)
	SaveCursor(ctx context.Context, name string, position int64) error
}

type Config struct {
	PollInterval       time.Duration
	BatchSize          int
	MaxRetries         int
	CheckpointInterval time.Duration
	// UnhealthyAfter is the consecutive-failure count that flips the poller
	// to degraded. The poller keeps retrying either way.
	UnhealthyAfter int
}

type Poller struct {
	store    Store
	producer broker.Producer
	config   Config
	logger   *zap.Logger

	mu        sync.Mutex
	cursor    int64
	committed int64

	consecutiveFailures int
	healthy             bool
}

func New(store Store, producer broker.Producer, cfg Config, logger *zap.Logger) *Poller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 150 * time.Millisecond
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Second
	}
	if cfg.UnhealthyAfter == 0 {
		cfg.UnhealthyAfter = 10
	}

	return &Poller{
		store:    store,
		producer: producer,
		config:   cfg,
		logger:   logger,
		healthy:  true,
	}
}

// Start runs the poll loop until the context is cancelled. The durable
// cursor is loaded first so a restart resumes above already-processed rows.
func (p *Poller) Start(ctx context.Context) error {
	cursor, err := p.store.LoadCursor(ctx, db.OutboxCursorName)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cursor = cursor
	p.committed = cursor
	p.mu.Unlock()

	p.logger.Info("outbox poller starting",
		zap.Int64("cursor", cursor),
		zap.Duration("poll_interval", p.config.PollInterval),
		zap.Int("batch_size", p.config.BatchSize),
	)

	metrics.SetPollerHealthy(true)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox poller stopping")
			return nil
		case <-ticker.C:
			if err := p.pollOnce(ctx); err != nil {
				p.recordFailure(err)
				// Back off before the ticker resumes normal cadence.
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(p.backoff()):
				}
			} else {
				p.recordSuccess()
			}
		}
	}
}

// pollOnce fetches one batch and publishes it in id order. A failed record
// stops the batch so the cursor never jumps over it; the record's retry
// count grows until the fetch predicate drops it.
func (p *Poller) pollOnce(ctx context.Context) error {
	p.mu.Lock()
	afterID := p.cursor
	p.mu.Unlock()

	records, err := p.store.FetchUnprocessed(ctx, afterID, p.config.MaxRetries, p.config.BatchSize)
	if err != nil {
		return err
	}

	if len(records) == 0 {
		return nil
	}

	p.logger.Debug("fetched unprocessed outbox records", zap.Int("count", len(records)))

	for _, rec := range records {
		if err := p.publishRecord(ctx, rec); err != nil {
			metrics.RecordOutboxPublishFailure()
			if recErr := p.store.RecordPublishFailure(ctx, rec.ID, err); recErr != nil {
				p.logger.Error("failed to record publish failure",
					zap.Int64("outbox_id", rec.ID),
					zap.Error(recErr),
				)
			}
			return err
		}

		if err := p.store.MarkProcessed(ctx, rec.ID); err != nil {
			// Published but not marked: downstream dedup absorbs the
			// redelivery after restart. Stop here so the cursor stays put.
			return err
		}

		p.advance(rec.ID)
	}

	return nil
}

func (p *Poller) publishRecord(ctx context.Context, rec *db.OutboxRecord) error {
	topic := router.RouteLogged(rec.EventType, p.logger)

	evt := broker.Event{
		EventType: rec.EventType,
		SourceID:  rec.ID,
		Payload:   rec.EventData,
		Timestamp: time.Now().UTC(),
	}
	if rec.EventID != nil {
		evt.EventID = *rec.EventID
	}
	if rec.PlatformID != nil {
		evt.PlatformID = *rec.PlatformID
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	key := evt.EventID
	if key == "" {
		key = strconv.FormatInt(rec.ID, 10)
	}

	if err := p.producer.Publish(ctx, topic, key, payload); err != nil {
		return err
	}

	metrics.RecordOutboxPublished(topic)
	p.logger.Debug("published outbox record",
		zap.Int64("outbox_id", rec.ID),
		zap.String("event_type", rec.EventType),
		zap.String("topic", topic),
	)

	return nil
}

func (p *Poller) advance(id int64) {
	p.mu.Lock()
	if id > p.cursor {
		p.cursor = id
	}
	p.mu.Unlock()
}

// Cursor returns the in-memory high-water mark.
func (p *Poller) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Healthy reports whether the poller is below its consecutive-failure bound.
func (p *Poller) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	p.consecutiveFailures++
	failures := p.consecutiveFailures
	wasHealthy := p.healthy
	if failures >= p.config.UnhealthyAfter {
		p.healthy = false
	}
	p.mu.Unlock()

	p.logger.Error("outbox poll failed",
		zap.Error(err),
		zap.Int("consecutive_failures", failures),
	)

	if wasHealthy && failures >= p.config.UnhealthyAfter {
		p.logger.Warn("outbox poller degraded",
			zap.Int("consecutive_failures", failures),
		)
		metrics.SetPollerHealthy(false)
	}
}

func (p *Poller) recordSuccess() {
	p.mu.Lock()
	recovered := !p.healthy
	p.consecutiveFailures = 0
	p.healthy = true
	p.mu.Unlock()

	if recovered {
		p.logger.Info("outbox poller recovered")
		metrics.SetPollerHealthy(true)
	}
}

// backoff grows exponentially with consecutive failures, capped at 30s.
func (p *Poller) backoff() time.Duration {
	p.mu.Lock()
	failures := p.consecutiveFailures
	p.mu.Unlock()

	if failures > 5 {
		failures = 5
	}
	d := time.Second * time.Duration(1<<failures)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// RunCheckpointer flushes the cursor to the durable store on an interval and
// once more at shutdown, so a restart resumes without rescanning marked rows.
func (p *Poller) RunCheckpointer(ctx context.Context) {
	ticker := time.NewTicker(p.config.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush with a fresh context; the parent one is done.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			p.checkpoint(flushCtx)
			cancel()
			return
		case <-ticker.C:
			p.checkpoint(ctx)
		}
	}
}

func (p *Poller) checkpoint(ctx context.Context) {
	p.mu.Lock()
	cursor := p.cursor
	committed := p.committed
	p.mu.Unlock()

	if cursor == committed {
		return
	}

	if err := p.store.SaveCursor(ctx, db.OutboxCursorName, cursor); err != nil {
		p.logger.Error("cursor checkpoint failed", zap.Error(err))
		return
	}

	p.mu.Lock()
	if cursor > p.committed {
		p.committed = cursor
	}
	p.mu.Unlock()

	metrics.SetOutboxCursor(cursor)
	p.logger.Debug("cursor checkpointed", zap.Int64("position", cursor))
}
