package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Broker (SQS) config
	BrokerRegion      string
	BrokerQueuePrefix string

	// Outbox poller config
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxRetries   int

	// Cursor checkpoint config
	CheckpointInterval time.Duration

	// Encryption
	EncryptionMasterKey string

	// Global delivery credentials (fallback when no platform config)
	APNSBundleID   string
	APNSKeyID      string
	APNSTeamID     string
	APNSKeyContent string
	FCMServerKey   string
	EmailAPIKey    string
	EmailFrom      string

	// SNS platform applications backing the push channels. The APNs/FCM
	// credentials above are registered with these applications out of band.
	APNSApplicationARN string
	FCMApplicationARN  string

	// AWS
	AWSRegion string

	// Delivery dispatcher config
	DeliveryMaxRetries int
	DeliveryWorkers    int
}

// devMasterKey is the well-known development key. Refusing to start with it
// in production is the only secret validation the relay performs.
const devMasterKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "relay",
		DBPassword: "",
		DBName:     "relay",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "us-east-1",

		OutboxPollInterval: 150 * time.Millisecond,
		OutboxBatchSize:    100,
		OutboxMaxRetries:   3,

		CheckpointInterval: 5 * time.Second,

		EncryptionMasterKey: devMasterKey,

		EmailFrom: "noreply@relay.local",

		DeliveryMaxRetries: 3,
		DeliveryWorkers:    4,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	// Broker config
	if region := os.Getenv("BROKER_REGION"); region != "" {
		cfg.BrokerRegion = region
	} else {
		cfg.BrokerRegion = cfg.AWSRegion
	}

	if prefix := os.Getenv("BROKER_QUEUE_PREFIX"); prefix != "" {
		cfg.BrokerQueuePrefix = prefix
	}

	// Outbox config
	if interval := os.Getenv("OUTBOX_POLL_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_POLL_INTERVAL_MS: %w", err)
		}
		cfg.OutboxPollInterval = time.Duration(ms) * time.Millisecond
	}

	if size := os.Getenv("OUTBOX_BATCH_SIZE"); size != "" {
		n, err := strconv.Atoi(size)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_BATCH_SIZE: %w", err)
		}
		cfg.OutboxBatchSize = n
	}

	if retries := os.Getenv("OUTBOX_MAX_RETRIES"); retries != "" {
		n, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTBOX_MAX_RETRIES: %w", err)
		}
		cfg.OutboxMaxRetries = n
	}

	if interval := os.Getenv("CHECKPOINT_INTERVAL_MS"); interval != "" {
		ms, err := strconv.Atoi(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid CHECKPOINT_INTERVAL_MS: %w", err)
		}
		cfg.CheckpointInterval = time.Duration(ms) * time.Millisecond
	}

	// Encryption
	if key := os.Getenv("ENCRYPTION_MASTER_KEY"); key != "" {
		cfg.EncryptionMasterKey = key
	}

	// Global delivery credentials
	cfg.APNSBundleID = os.Getenv("APNS_BUNDLE_ID")
	cfg.APNSKeyID = os.Getenv("APNS_KEY_ID")
	cfg.APNSTeamID = os.Getenv("APNS_TEAM_ID")
	cfg.APNSKeyContent = os.Getenv("APNS_KEY_CONTENT")
	cfg.FCMServerKey = os.Getenv("FCM_SERVER_KEY")
	cfg.EmailAPIKey = os.Getenv("EMAIL_API_KEY")
	cfg.APNSApplicationARN = os.Getenv("APNS_APPLICATION_ARN")
	cfg.FCMApplicationARN = os.Getenv("FCM_APPLICATION_ARN")
	if from := os.Getenv("EMAIL_FROM"); from != "" {
		cfg.EmailFrom = from
	}

	// Delivery config
	if retries := os.Getenv("DELIVERY_MAX_RETRIES"); retries != "" {
		n, err := strconv.Atoi(retries)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_MAX_RETRIES: %w", err)
		}
		cfg.DeliveryMaxRetries = n
	}

	if workers := os.Getenv("DELIVERY_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid DELIVERY_WORKERS: %w", err)
		}
		cfg.DeliveryWorkers = n
	}

	if cfg.Env == "production" && cfg.EncryptionMasterKey == devMasterKey {
		return nil, fmt.Errorf("ENCRYPTION_MASTER_KEY must be set in production")
	}

	return cfg, nil
}
