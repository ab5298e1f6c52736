package provider

import (
	"context"

	"go.uber.org/zap"
)

// LogProvider writes notifications to the log instead of sending them.
// Used in development when a channel has no credentials configured.
type LogProvider struct {
	channel string
	logger  *zap.Logger
}

func NewLogProvider(channel string, logger *zap.Logger) *LogProvider {
	return &LogProvider{channel: channel, logger: logger}
}

func (p *LogProvider) Send(_ context.Context, destination string, payload Payload) error {
	p.logger.Info("notification (log provider)",
		zap.String("channel", p.channel),
		zap.String("destination", destination),
		zap.String("title", payload.Title),
		zap.String("body", payload.Body),
	)
	return nil
}
