package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"
)

// snsAPI is the slice of the SNS client the push provider uses.
type snsAPI interface {
	CreatePlatformEndpoint(ctx context.Context, params *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// PushProvider delivers mobile push through an SNS platform application.
// One instance serves one channel (apns or fcm); the channel decides the
// message envelope key SNS expects.
type PushProvider struct {
	client         snsAPI
	applicationARN string
	channel        string
	logger         *zap.Logger

	mu        sync.Mutex
	endpoints map[string]string
}

type PushConfig struct {
	Region         string
	ApplicationARN string
	// Channel is apns or fcm.
	Channel string
}

func NewPushProvider(ctx context.Context, cfg PushConfig, logger *zap.Logger) (*PushProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newPushProvider(sns.NewFromConfig(awsCfg), cfg, logger), nil
}

func newPushProvider(client snsAPI, cfg PushConfig, logger *zap.Logger) *PushProvider {
	return &PushProvider{
		client:         client,
		applicationARN: cfg.ApplicationARN,
		channel:        cfg.Channel,
		logger:         logger,
		endpoints:      make(map[string]string),
	}
}

// Send resolves the device token to a platform endpoint and publishes the
// notification to it.
func (p *PushProvider) Send(ctx context.Context, destination string, payload Payload) error {
	if destination == "" {
		return fmt.Errorf("device token is empty")
	}

	endpointARN, err := p.endpointFor(ctx, destination)
	if err != nil {
		return err
	}

	message, err := p.buildMessage(payload)
	if err != nil {
		return err
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(endpointARN),
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		// The cached endpoint may have been disabled or deleted; forget it
		// so the next attempt re-registers the token.
		p.forget(destination)
		return fmt.Errorf("sns publish: %w", err)
	}

	p.logger.Debug("push sent",
		zap.String("channel", p.channel),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// endpointFor returns the platform endpoint ARN for a device token.
// CreatePlatformEndpoint is idempotent for an unchanged token, so racing
// registrations converge on the same ARN.
func (p *PushProvider) endpointFor(ctx context.Context, token string) (string, error) {
	p.mu.Lock()
	arn, ok := p.endpoints[token]
	p.mu.Unlock()
	if ok {
		return arn, nil
	}

	out, err := p.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(p.applicationARN),
		Token:                  aws.String(token),
	})
	if err != nil {
		return "", fmt.Errorf("create platform endpoint: %w", err)
	}

	arn = aws.ToString(out.EndpointArn)
	p.mu.Lock()
	p.endpoints[token] = arn
	p.mu.Unlock()

	return arn, nil
}

func (p *PushProvider) forget(token string) {
	p.mu.Lock()
	delete(p.endpoints, token)
	p.mu.Unlock()
}

// buildMessage renders the SNS JSON envelope. APNS wants an aps dictionary,
// FCM a notification object; default covers everything else.
func (p *PushProvider) buildMessage(payload Payload) (string, error) {
	envelope := map[string]string{
		"default": payload.Body,
	}

	switch p.channel {
	case ChannelAPNS:
		aps, err := json.Marshal(map[string]interface{}{
			"aps": map[string]interface{}{
				"alert": map[string]string{
					"title": payload.Title,
					"body":  payload.Body,
				},
			},
			"data": payload.Data,
		})
		if err != nil {
			return "", fmt.Errorf("encode apns message: %w", err)
		}
		envelope["APNS"] = string(aps)

	case ChannelFCM:
		gcm, err := json.Marshal(map[string]interface{}{
			"notification": map[string]string{
				"title": payload.Title,
				"body":  payload.Body,
			},
			"data": payload.Data,
		})
		if err != nil {
			return "", fmt.Errorf("encode fcm message: %w", err)
		}
		envelope["GCM"] = string(gcm)
	}

	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode sns envelope: %w", err)
	}

	return string(out), nil
}
