package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/tandem/internal/domain"
)

// SESAPI is the subset of the SES client used by the digest.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESConfig configures the operator digest.
type SESConfig struct {
	Region         string   `koanf:"region"`
	FromEmail      string   `koanf:"from_email"`
	OperatorEmails []string `koanf:"operator_emails"`
}

// SESDigestMailer emails the failure digest to operators.
type SESDigestMailer struct {
	client SESAPI
	from   string
	to     []string
	logger *zap.Logger
}

// NewSESDigestMailer loads the default AWS config for cfg.Region.
func NewSESDigestMailer(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESDigestMailer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESDigestMailerWithClient(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewSESDigestMailerWithClient uses an existing client.
func NewSESDigestMailerWithClient(client SESAPI, cfg SESConfig, logger *zap.Logger) *SESDigestMailer {
	return &SESDigestMailer{client: client, from: cfg.FromEmail, to: cfg.OperatorEmails, logger: logger}
}

// SendDigest sends one plain-text email listing failures.
func (m *SESDigestMailer) SendDigest(ctx context.Context, failures []*domain.Reminder, since time.Time) error {
	if len(m.to) == 0 {
		m.logger.Warn("failure digest has no operator recipients", zap.Int("failures", len(failures)))
		return nil
	}

	subject, body := renderDigest(failures, since)
	input := &ses.SendEmailInput{
		Source:      aws.String(m.from),
		Destination: &types.Destination{ToAddresses: m.to},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
			Body: &types.Body{
				Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
			},
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	m.logger.Info("failure digest sent",
		zap.Int("failures", len(failures)),
		zap.Strings("to", m.to),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func renderDigest(failures []*domain.Reminder, since time.Time) (string, string) {
	subject := fmt.Sprintf("tandem: %d reminder deliveries failed since %s", len(failures), since.UTC().Format(time.RFC3339))

	var b strings.Builder
	fmt.Fprintf(&b, "Reminders whose last delivery attempt failed since %s:\n\n", since.UTC().Format(time.RFC1123))
	for _, r := range failures {
		fmt.Fprintf(&b, "%s  due %s  attempts %d  %s\n",
			r.ID, r.DueDate.UTC().Format(time.RFC3339), r.NotificationAttempts, r.LastNotificationError)
	}
	return subject, b.String()
}
