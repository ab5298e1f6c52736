package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lumen-social/relay/internal/api"
	"github.com/lumen-social/relay/internal/broker"
	"github.com/lumen-social/relay/internal/config"
	"github.com/lumen-social/relay/internal/crypto"
	"github.com/lumen-social/relay/internal/db"
	"github.com/lumen-social/relay/internal/delivery"
	"github.com/lumen-social/relay/internal/messaging"
	"github.com/lumen-social/relay/internal/metrics"
	"github.com/lumen-social/relay/internal/notify"
	"github.com/lumen-social/relay/internal/observ"
	"github.com/lumen-social/relay/internal/outbox"
	"github.com/lumen-social/relay/internal/platformcfg"
	"github.com/lumen-social/relay/internal/provider"
	"github.com/lumen-social/relay/internal/redisx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting relay",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Initialize database connection
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis holds unread counters, inbox/chat caches, and the fanout
	// streams. The counters are authoritative between reconciles, so the
	// relay does not start without it.
	redisClient, err := redisx.New(ctx, redisx.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	counters := redisx.NewCounters(redisClient, logger)
	inbox := redisx.NewInbox(redisClient, logger)
	chat := redisx.NewChat(redisClient, logger)
	fanout := redisx.NewFanout(redisClient, logger)

	// Broker transport. The producer feeds the outbox poller and the
	// notification pipeline's delivery jobs; the factory opens the
	// per-topic consumer loops.
	if cfg.BrokerQueuePrefix == "" {
		return fmt.Errorf("BROKER_QUEUE_PREFIX is required")
	}
	brokerCfg := broker.Config{
		Region:      cfg.BrokerRegion,
		QueuePrefix: cfg.BrokerQueuePrefix,
	}

	producer, err := broker.NewSQSProducer(ctx, brokerCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create broker producer: %w", err)
	}

	factory, err := broker.NewSQSConsumerFactory(ctx, brokerCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create broker consumer factory: %w", err)
	}

	// Message content encryption
	engine, err := crypto.NewEngine(cfg.EncryptionMasterKey)
	if err != nil {
		return fmt.Errorf("failed to create encryption engine: %w", err)
	}

	// Delivery providers. Channels without credentials fall back to the
	// log provider so dev environments exercise the full dispatch path.
	providers := buildProviders(ctx, cfg, logger)

	resolver := platformcfg.NewResolver(repo, platformcfg.DeliveryConfig{
		APNSBundleID:   cfg.APNSBundleID,
		APNSKeyID:      cfg.APNSKeyID,
		APNSTeamID:     cfg.APNSTeamID,
		APNSKeyContent: cfg.APNSKeyContent,
		FCMServerKey:   cfg.FCMServerKey,
		EmailAPIKey:    cfg.EmailAPIKey,
		EmailFrom:      cfg.EmailFrom,
	})

	// Pipelines share one cancellable context; shutdown cancels it after
	// the HTTP server drains.
	pipelineCtx, pipelineCancel := context.WithCancel(context.Background())
	defer pipelineCancel()

	poller := outbox.New(repo, producer, outbox.Config{
		PollInterval:       cfg.OutboxPollInterval,
		BatchSize:          cfg.OutboxBatchSize,
		MaxRetries:         cfg.OutboxMaxRetries,
		CheckpointInterval: cfg.CheckpointInterval,
	}, observ.Named(logger, "outbox"))

	go func() {
		if err := poller.Start(pipelineCtx); err != nil {
			logger.Error("outbox poller exited", zap.Error(err))
		}
	}()
	go poller.RunCheckpointer(pipelineCtx)

	notifyService := notify.NewService(repo, counters, inbox, producer, observ.Named(logger, "notify"))
	notifyPipeline := notify.NewPipeline(notifyService, factory, repo, notify.PipelineConfig{}, observ.Named(logger, "notify"))
	go func() {
		if err := notifyPipeline.Run(pipelineCtx); err != nil {
			logger.Error("notification pipeline exited", zap.Error(err))
		}
	}()

	messagingService := messaging.NewService(repo, engine, chat, fanout, observ.Named(logger, "messaging"))
	messagingPipeline := messaging.NewPipeline(messagingService, factory, repo, messaging.PipelineConfig{}, observ.Named(logger, "messaging"))
	go func() {
		if err := messagingPipeline.Run(pipelineCtx); err != nil {
			logger.Error("messaging pipeline exited", zap.Error(err))
		}
	}()

	dispatcher := delivery.New(factory, resolver, repo, providers, delivery.Config{
		Workers:     cfg.DeliveryWorkers,
		MaxAttempts: cfg.DeliveryMaxRetries,
		RetryDelay:  time.Second,
	}, observ.Named(logger, "delivery"))
	go func() {
		if err := dispatcher.Run(pipelineCtx); err != nil {
			logger.Error("delivery dispatcher exited", zap.Error(err))
		}
	}()

	logger.Info("pipelines started",
		zap.Int("delivery_workers", cfg.DeliveryWorkers),
		zap.Duration("poll_interval", cfg.OutboxPollInterval),
	)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	// API routes
	handler := api.NewHandler(repo, notifyService, counters, engine, logger)
	r.Route("/v1", handler.Routes)

	// Health check covers the database, the poller, and the breakers.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if err := database.Health(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
		}
		if !poller.Healthy() {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"database":       database.Health(r.Context()) == nil,
			"poller_healthy": poller.Healthy(),
			"outbox_cursor":  poller.Cursor(),
			"breakers":       dispatcher.BreakerStats(),
		})
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	// Setup HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Block until we receive a signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// Stop the pipelines after the server drained. The checkpointer
		// writes a final cursor flush on its way out.
		pipelineCancel()
		time.Sleep(1 * time.Second)

		logger.Info("relay stopped gracefully")
	}

	return nil
}

// buildProviders wires the three delivery channels. A channel without
// credentials gets the log provider in development and is still registered,
// because the resolver decides per job whether the channel is used.
func buildProviders(ctx context.Context, cfg *config.Config, logger *zap.Logger) map[string]provider.Provider {
	providers := make(map[string]provider.Provider)

	if cfg.APNSApplicationARN != "" {
		apns, err := provider.NewPushProvider(ctx, provider.PushConfig{
			Region:         cfg.AWSRegion,
			ApplicationARN: cfg.APNSApplicationARN,
			Channel:        provider.ChannelAPNS,
		}, observ.Named(logger, "apns"))
		if err != nil {
			logger.Warn("apns provider unavailable", zap.Error(err))
		} else {
			providers[provider.ChannelAPNS] = apns
		}
	}
	if providers[provider.ChannelAPNS] == nil {
		providers[provider.ChannelAPNS] = provider.NewLogProvider(provider.ChannelAPNS, logger)
	}

	if cfg.FCMApplicationARN != "" {
		fcm, err := provider.NewPushProvider(ctx, provider.PushConfig{
			Region:         cfg.AWSRegion,
			ApplicationARN: cfg.FCMApplicationARN,
			Channel:        provider.ChannelFCM,
		}, observ.Named(logger, "fcm"))
		if err != nil {
			logger.Warn("fcm provider unavailable", zap.Error(err))
		} else {
			providers[provider.ChannelFCM] = fcm
		}
	}
	if providers[provider.ChannelFCM] == nil {
		providers[provider.ChannelFCM] = provider.NewLogProvider(provider.ChannelFCM, logger)
	}

	if cfg.EmailAPIKey != "" {
		email, err := provider.NewEmailProvider(ctx, provider.EmailConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.EmailFrom,
		}, observ.Named(logger, "email"))
		if err != nil {
			logger.Warn("email provider unavailable", zap.Error(err))
		} else {
			providers[provider.ChannelEmail] = email
		}
	}
	if providers[provider.ChannelEmail] == nil {
		providers[provider.ChannelEmail] = provider.NewLogProvider(provider.ChannelEmail, logger)
	}

	logger.Info("delivery providers initialized",
		zap.Bool("apns_live", cfg.APNSApplicationARN != ""),
		zap.Bool("fcm_live", cfg.FCMApplicationARN != ""),
		zap.Bool("email_live", cfg.EmailAPIKey != ""),
	)

	return providers
}
