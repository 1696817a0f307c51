// Package sqs carries reminder change events between the API and the
// server's change observer.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
	"github.com/lalithlochan/tandem/internal/metrics"
)

// Config holds SQS configuration.
type Config struct {
	Region   string `koanf:"region"`
	QueueURL string `koanf:"queue_url"`
	Endpoint string `koanf:"endpoint"`
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// NewClient loads the default AWS config for cfg.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// ChangeEvent is one reminder transition. Before is nil for a new reminder.
type ChangeEvent struct {
	Before      *domain.Reminder `json:"before,omitempty"`
	After       *domain.Reminder `json:"after"`
	PublishedAt int64            `json:"published_at"`
}

// Producer publishes change events.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates an SQS producer.
func NewProducer(client API, queueURL string, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized", zap.String("queue_url", queueURL))
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// PublishChange sends one transition to the queue.
func (p *Producer) PublishChange(ctx context.Context, before, after *domain.Reminder) error {
	if after == nil {
		return errors.New("change event without after state")
	}

	body, err := json.Marshal(ChangeEvent{Before: before, After: after, PublishedAt: time.Now().UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		metrics.RecordChangeEvent("publish_failed")
		return fmt.Errorf("sqs send failed: %w", err)
	}

	metrics.RecordChangeEvent("published")
	p.logger.Debug("change event published",
		zap.String("reminder_id", after.ID),
		zap.String("message_id", aws.ToString(out.MessageId)),
	)
	return nil
}

// Handler receives decoded change events; *engine.Engine implements it.
type Handler interface {
	OnReminderChanged(ctx context.Context, before, after *domain.Reminder) error
}

// Consumer long-polls the queue and hands each event to a Handler.
type Consumer struct {
	client   API
	queueURL string
	handler  Handler
	logger   *zap.Logger

	waitSeconds int32
	backoff     time.Duration
}

// NewConsumer creates an SQS consumer.
func NewConsumer(client API, queueURL string, handler Handler, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:      client,
		queueURL:    queueURL,
		handler:     handler,
		logger:      logger,
		waitSeconds: 20,
		backoff:     5 * time.Second,
	}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("change consumer started", zap.String("queue_url", c.queueURL))
	for {
		if ctx.Err() != nil {
			c.logger.Info("change consumer stopped")
			return
		}
		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("change poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.backoff):
			}
		}
	}
}

// Poll receives one batch and processes it. It returns how many events were
// handled successfully.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	handled := 0
	for _, m := range out.Messages {
		switch c.process(ctx, aws.ToString(m.Body)) {
		case outcomeHandled:
			handled++
			c.delete(ctx, aws.ToString(m.ReceiptHandle))
		case outcomeMalformed:
			c.delete(ctx, aws.ToString(m.ReceiptHandle))
		}
		// Failed events stay on the queue and return after the visibility
		// timeout.
	}
	return handled, nil
}

type outcome int

const (
	outcomeHandled outcome = iota
	outcomeMalformed
	outcomeFailed
)

func (c *Consumer) process(ctx context.Context, body string) outcome {
	var ev ChangeEvent
	if err := json.Unmarshal([]byte(body), &ev); err != nil || ev.After == nil {
		metrics.RecordChangeEvent("malformed")
		c.logger.Warn("dropping malformed change event", zap.Error(err))
		return outcomeMalformed
	}

	if err := c.handler.OnReminderChanged(ctx, ev.Before, ev.After); err != nil {
		metrics.RecordChangeEvent("failed")
		c.logger.Error("change event handling failed",
			zap.String("reminder_id", ev.After.ID),
			zap.Error(err),
		)
		return outcomeFailed
	}
	metrics.RecordChangeEvent("handled")
	return outcomeHandled
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		c.logger.Warn("sqs delete failed", zap.Error(err))
	}
}
