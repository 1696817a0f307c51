package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/engine"
	"github.com/lalithlochan/tandem/internal/push"
)

// LogSink writes fired notifications to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink for development.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Deliver logs n.
func (s *LogSink) Deliver(_ context.Context, n engine.LocalNotification) error {
	s.logger.Info("local notification",
		zap.String("notification_id", n.ID),
		zap.String("reminder_id", n.ReminderID),
		zap.String("kind", n.Kind),
		zap.String("title", n.Payload.Title),
		zap.String("body", n.Payload.Body),
	)
	return nil
}

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL     string            `koanf:"url"`
	Timeout time.Duration     `koanf:"timeout"`
	Headers map[string]string `koanf:"headers"`
}

// WebhookSink POSTs fired notifications to a URL, e.g. a desktop notifier
// or a home automation hook.
type WebhookSink struct {
	client  *http.Client
	url     string
	headers map[string]string
	logger  *zap.Logger
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(cfg WebhookConfig, logger *zap.Logger) *WebhookSink {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		client:  &http.Client{Timeout: timeout},
		url:     cfg.URL,
		headers: cfg.Headers,
		logger:  logger,
	}
}

// webhookBody is the JSON document posted for each notification.
type webhookBody struct {
	ID         string       `json:"id"`
	ReminderID string       `json:"reminder_id,omitempty"`
	Kind       string       `json:"kind"`
	At         time.Time    `json:"at"`
	Payload    push.Payload `json:"payload"`
}

// Deliver posts n and treats any 2xx as success.
func (s *WebhookSink) Deliver(ctx context.Context, n engine.LocalNotification) error {
	body, err := json.Marshal(webhookBody{
		ID:         n.ID,
		ReminderID: n.ReminderID,
		Kind:       n.Kind,
		At:         n.At,
		Payload:    n.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tandem-agent/1.0")
	req.Header.Set("X-Tandem-Notification-ID", n.ID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d, body: %s", resp.StatusCode, string(preview))
	}

	s.logger.Debug("local notification delivered to webhook",
		zap.String("notification_id", n.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}
