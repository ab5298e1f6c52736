package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds SQS transport configuration. Each topic maps to its own
// standard queue under QueuePrefix. The transport does not guarantee
// ordering: the poller publishes in outbox id order and consumers dedup on
// source_id, so redelivery and reordering are both absorbed downstream.
type Config struct {
	Region string
	// QueuePrefix is the queue URL prefix, e.g.
	// https://sqs.us-east-1.amazonaws.com/123456789/relay
	QueuePrefix string
}

// queueURL maps a topic name to its queue. Topic dots become dashes to stay
// within SQS queue-name rules.
func (c Config) queueURL(topic string) string {
	return c.QueuePrefix + "-" + strings.ReplaceAll(topic, ".", "-")
}

// sqsSendAPI is the slice of the SQS client the producer uses.
type sqsSendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSProducer publishes routed events to per-topic SQS queues.
type SQSProducer struct {
	client sqsSendAPI
	cfg    Config
	logger *zap.Logger
}

// NewSQSProducer creates a new SQS-backed producer.
func NewSQSProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*SQSProducer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_prefix", cfg.QueuePrefix),
	)

	return newSQSProducer(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSQSProducer(client sqsSendAPI, cfg Config, logger *zap.Logger) *SQSProducer {
	return &SQSProducer{
		client: client,
		cfg:    cfg,
		logger: logger,
	}
}

// Publish sends a payload to the topic's queue and returns after SQS
// acknowledged it. The key is a partitioning hint other transports may use;
// standard SQS queues have no ordering to give it, so it is ignored here.
func (p *SQSProducer) Publish(ctx context.Context, topic, key string, payload []byte) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.cfg.queueURL(topic)),
		MessageBody: aws.String(string(payload)),
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		p.logger.Error("failed to publish to broker",
			zap.Error(err),
			zap.String("topic", topic),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// SQSConsumer reads one topic's queue with long polling.
type SQSConsumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// SQSConsumerFactory opens SQSConsumers sharing one client.
type SQSConsumerFactory struct {
	client *sqs.Client
	cfg    Config
	logger *zap.Logger
}

// NewSQSConsumerFactory creates a factory for per-topic consumers.
func NewSQSConsumerFactory(ctx context.Context, cfg Config, logger *zap.Logger) (*SQSConsumerFactory, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SQSConsumerFactory{
		client: sqs.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Consumer opens a consumer for one topic.
func (f *SQSConsumerFactory) Consumer(ctx context.Context, topic string) (Consumer, error) {
	url := f.cfg.queueURL(topic)

	f.logger.Info("sqs consumer initialized",
		zap.String("topic", topic),
		zap.String("queue_url", url),
	)

	return &SQSConsumer{
		client:   f.client,
		queueURL: url,
		logger:   f.logger,
	}, nil
}

// Receive retrieves a message with long polling. Returns (nil, nil) when the
// wait window elapsed without a message.
func (c *SQSConsumer) Receive(ctx context.Context) (*Delivery, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, nil
	}

	msg := result.Messages[0]

	return &Delivery{
		Body:    []byte(*msg.Body),
		Receipt: *msg.ReceiptHandle,
	}, nil
}

// Ack removes a message from the queue after successful processing.
func (c *SQSConsumer) Ack(ctx context.Context, receipt string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	}

	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// Nack resets the visibility timeout so the message redelivers immediately.
func (c *SQSConsumer) Nack(ctx context.Context, receipt string) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receipt),
		VisibilityTimeout: 0,
	}

	if _, err := c.client.ChangeMessageVisibility(ctx, input); err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
