package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// EmailProvider delivers notifications as plain-text email through SES.
type EmailProvider struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type EmailConfig struct {
	Region    string
	FromEmail string
}

func NewEmailProvider(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &EmailProvider{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// NewEmailProviderWithClient injects a client, for tests.
func NewEmailProviderWithClient(client *ses.Client, from string, logger *zap.Logger) *EmailProvider {
	return &EmailProvider{client: client, from: from, logger: logger}
}

func (p *EmailProvider) Send(ctx context.Context, destination string, payload Payload) error {
	if destination == "" {
		return fmt.Errorf("email destination is empty")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(p.from),
		Destination: &types.Destination{
			ToAddresses: []string{destination},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(payload.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(payload.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}

	p.logger.Debug("email sent",
		zap.String("to", destination),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
