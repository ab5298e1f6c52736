// Package delivery consumes delivery jobs and pushes them out through the
// configured channels. Channels are isolated: a dead push provider never
// blocks email, and a job is settled once every channel reaches a terminal
// outcome. Stored notification state stays authoritative; a dropped send
// degrades to a missed push, observable in metrics.
package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/circuitbreaker"
	"github.com/lumen-social/relay/internal/db"
	"github.com/lumen-social/relay/internal/metrics"
	"github.com/lumen-social/relay/internal/platformcfg"
	"github.com/lumen-social/relay/internal/provider"
	"github.com/lumen-social/relay/internal/router"
)

// TokenStore lists push destinations for a user.
type TokenStore interface {
	ListDeviceTokens(ctx context.Context, userAddress string) ([]*db.DeviceToken, error)
}

// ConfigResolver resolves the effective delivery config for a platform.
type ConfigResolver interface {
	Resolve(ctx context.Context, platformID string) (platformcfg.DeliveryConfig, error)
}

type Config struct {
	// Workers is the number of concurrent consumer loops.
	Workers int
	// MaxAttempts bounds per-channel send retries before the send is dropped.
	MaxAttempts int
	RetryDelay  time.Duration
}

// Dispatcher fans delivery jobs out to the channel providers.
type Dispatcher struct {
	factory   broker.ConsumerFactory
	resolver  ConfigResolver
	tokens    TokenStore
	providers map[string]provider.Provider
	breakers  map[string]*circuitbreaker.CircuitBreaker
	config    Config
	logger    *zap.Logger
}

func New(factory broker.ConsumerFactory, resolver ConfigResolver, tokens TokenStore, providers map[string]provider.Provider, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	breakers := make(map[string]*circuitbreaker.CircuitBreaker, len(providers))
	for channel := range providers {
		breakers[channel] = circuitbreaker.New(circuitbreaker.DefaultConfig(channel), logger)
	}

	return &Dispatcher{
		factory:   factory,
		resolver:  resolver,
		tokens:    tokens,
		providers: providers,
		breakers:  breakers,
		config:    cfg,
		logger:    logger,
	}
}

// Run starts the worker loops and blocks until the context is cancelled.
// Each worker holds its own consumer; SQS distributes messages across them.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		consumer, err := d.factory.Consumer(ctx, router.TopicDelivery)
		if err != nil {
			return err
		}

		wg.Add(1)
		go func(id int, consumer broker.Consumer) {
			defer wg.Done()
			d.consumeLoop(ctx, id, consumer)
		}(i, consumer)
	}

	d.logger.Info("delivery dispatcher started", zap.Int("workers", d.config.Workers))
	wg.Wait()
	d.logger.Info("delivery dispatcher stopped")
	return nil
}

func (d *Dispatcher) consumeLoop(ctx context.Context, id int, consumer broker.Consumer) {
	logger := d.logger.With(zap.Int("worker", id))

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
			logger.Error("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.config.RetryDelay):
			}
			continue
		}
		if delivery == nil {
			continue
		}

		var job broker.DeliveryJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			logger.Error("malformed delivery job", zap.Error(err))
			d.settle(ctx, consumer, delivery)
			continue
		}

		d.Dispatch(ctx, job)
		d.settle(ctx, consumer, delivery)
	}
}

// Dispatch sends one job through every enabled channel concurrently and
// returns once each channel reached a terminal outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, job broker.DeliveryJob) {
	metrics.AddDeliveryJobsInFlight(1)
	defer metrics.AddDeliveryJobsInFlight(-1)

	cfg, err := d.resolveConfig(ctx, job.PlatformID)
	if err != nil {
		// Config lookup failures fall back to nothing rather than guessing
		// credentials; the job is settled and the miss is counted.
		metrics.RecordEventProcessed("delivery", "config_error")
		d.logger.Error("delivery config resolution failed",
			zap.String("platform_id", job.PlatformID),
			zap.String("notification_id", job.NotificationID),
			zap.Error(err),
		)
		return
	}

	payload := provider.Payload{Title: job.Title, Body: job.Body, Data: job.Data}

	var wg sync.WaitGroup
	send := func(channel, destination string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.sendWithRetry(ctx, channel, destination, payload, job)
		}()
	}

	if cfg.HasEmail() {
		if _, ok := d.providers[provider.ChannelEmail]; ok {
			send(provider.ChannelEmail, job.UserAddress)
		}
	}

	if cfg.HasAPNS() || cfg.HasFCM() {
		tokens, err := d.tokens.ListDeviceTokens(ctx, job.UserAddress)
		if err != nil {
			d.logger.Error("device token lookup failed",
				zap.String("user_address", job.UserAddress),
				zap.Error(err),
			)
		}
		for _, tok := range tokens {
			switch {
			case tok.Platform == db.DevicePlatformIOS && cfg.HasAPNS():
				if _, ok := d.providers[provider.ChannelAPNS]; ok {
					send(provider.ChannelAPNS, tok.Token)
				}
			case tok.Platform == db.DevicePlatformAndroid && cfg.HasFCM():
				if _, ok := d.providers[provider.ChannelFCM]; ok {
					send(provider.ChannelFCM, tok.Token)
				}
			}
		}
	}

	wg.Wait()
}

// resolveConfig retries transient resolver failures with the same bounds the
// channel sends get, so one database blip does not skip a whole job.
func (d *Dispatcher) resolveConfig(ctx context.Context, platformID string) (platformcfg.DeliveryConfig, error) {
	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		cfg, err := d.resolver.Resolve(ctx, platformID)
		if err == nil {
			return cfg, nil
		}
		lastErr = err

		if attempt < d.config.MaxAttempts {
			select {
			case <-ctx.Done():
				return platformcfg.DeliveryConfig{}, ctx.Err()
			case <-time.After(d.config.RetryDelay * time.Duration(attempt)):
			}
		}
	}
	return platformcfg.DeliveryConfig{}, lastErr
}

// sendWithRetry drives one channel send to a terminal outcome: success, or
// dropped after bounded attempts. The channel's circuit breaker short-cuts
// attempts while its provider is down.
func (d *Dispatcher) sendWithRetry(ctx context.Context, channel, destination string, payload provider.Payload, job broker.DeliveryJob) {
	prov := d.providers[channel]
	breaker := d.breakers[channel]

	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		if !breaker.Allow() {
			metrics.RecordDeliveryAttempt(channel, "rejected")
			break
		}

		err := prov.Send(ctx, destination, payload)
		if err == nil {
			breaker.RecordSuccess()
			metrics.RecordDeliveryAttempt(channel, "success")
			return
		}

		breaker.RecordFailure()
		metrics.RecordDeliveryAttempt(channel, "failure")
		d.logger.Warn("channel send failed",
			zap.String("channel", channel),
			zap.String("notification_id", job.NotificationID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < d.config.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.config.RetryDelay * time.Duration(attempt)):
			}
		}
	}

	metrics.RecordDeliveryDropped(channel)
	d.logger.Error("channel send dropped",
		zap.String("channel", channel),
		zap.String("notification_id", job.NotificationID),
		zap.String("user_address", job.UserAddress),
	)
}

// BreakerStats snapshots every channel breaker, for the health endpoint.
func (d *Dispatcher) BreakerStats() []circuitbreaker.Stats {
	stats := make([]circuitbreaker.Stats, 0, len(d.breakers))
	for _, cb := range d.breakers {
		stats = append(stats, cb.Stats())
	}
	return stats
}

func (d *Dispatcher) settle(ctx context.Context, consumer broker.Consumer, delivery *broker.Delivery) {
	if err := consumer.Ack(ctx, delivery.Receipt); err != nil {
		d.logger.Error("ack failed", zap.Error(err))
	}
}
