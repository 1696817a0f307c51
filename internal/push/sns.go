package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// SNSPublisher is the subset of the SNS client the transport uses.
type SNSPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSTransport publishes to SNS mobile platform endpoints. Device tokens are
// the endpoint ARNs registered for each device.
type SNSTransport struct {
	client SNSPublisher
	logger *zap.Logger
}

// SNSConfig configures the transport. Endpoint is set for LocalStack.
type SNSConfig struct {
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

// NewSNSTransport loads the default AWS config for the region.
func NewSNSTransport(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSTransport, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSNSTransportWithClient(client, logger), nil
}

// NewSNSTransportWithClient wraps an existing client.
func NewSNSTransportWithClient(client SNSPublisher, logger *zap.Logger) *SNSTransport {
	return &SNSTransport{client: client, logger: logger}
}

// Send publishes p to the endpoint ARN in token.
func (t *SNSTransport) Send(ctx context.Context, token string, p Payload) (string, error) {
	msg, err := envelope(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}

	result, err := t.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(token),
		Message:          aws.String(msg),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		return "", classify(err)
	}

	id := aws.ToString(result.MessageId)
	t.logger.Debug("push published via SNS",
		zap.String("message_id", id),
		zap.String("type", p.Data.Type),
		zap.String("reminder_id", p.Data.ReminderID),
	)
	return id, nil
}

func classify(err error) error {
	var disabled *types.EndpointDisabledException
	var notFound *types.NotFoundException
	if errors.As(err, &disabled) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return fmt.Errorf("%w: sns publish failed: %v", ErrTransport, err)
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type apnsAps struct {
	Alert    apnsAlert `json:"alert"`
	Sound    string    `json:"sound,omitempty"`
	Category string    `json:"category,omitempty"`
}

type apnsMessage struct {
	Aps  apnsAps `json:"aps"`
	Data Data    `json:"data"`
}

type fcmNotification struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	ChannelID   string `json:"android_channel_id,omitempty"`
	Sound       string `json:"sound,omitempty"`
	ClickAction string `json:"click_action,omitempty"`
}

type fcmMessage struct {
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
	Priority     string            `json:"priority,omitempty"`
}

// envelope renders the MessageStructure=json document: one JSON-encoded
// string per platform plus a default.
func envelope(p Payload) (string, error) {
	apns, err := json.Marshal(apnsMessage{
		Aps:  apnsAps{Alert: apnsAlert{Title: p.Title, Body: p.Body}, Sound: p.Sound, Category: p.Category},
		Data: p.Data,
	})
	if err != nil {
		return "", err
	}

	fcm, err := json.Marshal(fcmMessage{
		Notification: fcmNotification{
			Title:       p.Title,
			Body:        p.Body,
			ChannelID:   p.Category,
			Sound:       p.Sound,
			ClickAction: p.Data.Link,
		},
		Data:     flatten(p.Data),
		Priority: p.Priority,
	})
	if err != nil {
		return "", err
	}

	env, err := json.Marshal(map[string]string{
		"default":      p.Body,
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
		"GCM":          string(fcm),
	})
	if err != nil {
		return "", err
	}
	return string(env), nil
}

// flatten turns Data into string pairs; FCM data values must be strings.
func flatten(d Data) map[string]string {
	raw, _ := json.Marshal(d)
	var m map[string]any
	_ = json.Unmarshal(raw, &m)

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	return out
}
