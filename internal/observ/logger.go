// Package observ holds the logging setup shared by the relay binaries.
package observ

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. Production emits JSON; anything else
// gets the colored console encoder for local runs. An unparseable level
// falls back to info rather than failing startup.
func NewLogger(env, level string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if env == "production" {
		config = zap.NewProductionConfig()
	}

	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	config.Level = zap.NewAtomicLevelAt(zapLevel)

	return config.Build()
}

// Named returns a child logger tagged with the pipeline task that owns it,
// so interleaved task logs can be told apart.
func Named(logger *zap.Logger, task string) *zap.Logger {
	return logger.Named(task).With(zap.String("task", task))
}
