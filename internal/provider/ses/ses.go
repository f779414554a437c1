// Package ses implements a Provider that forwards messages via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-inbox-lite/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures
// within one Send call.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// SESProviderConfig holds the configuration for creating a SESProvider.
type SESProviderConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SESProvider forwards raw messages via the AWS SES v2 API.
type SESProvider struct {
	sender    string
	client    SendEmailAPI
	baseDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a new SESProvider with the given configuration.
func New(ctx context.Context, cfg SESProviderConfig) (*SESProvider, error) {
	var opts []func(*awsconfig.LoadOptions) error

	opts = append(opts, awsconfig.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a SESProvider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *SESProvider {
	return &SESProvider{
		sender:    sender,
		client:    client,
		baseDelay: baseRetryDelay,
	}
}

// Send forwards msg to recipients as a raw MIME message. SES requires a
// verified identity as the envelope sender, so the configured sender is
// used when set and the original sender goes into Reply-To.
func (s *SESProvider) Send(ctx context.Context, msg *email.Message, recipients []string) error {
	input := s.buildInput(msg, recipients)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			if err := sleepWithContext(ctx, s.backoffDelay(attempt-1)); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		out, err := s.client.SendEmail(ctx, input)
		if err == nil {
			slog.Info("forwarded message via SES",
				"recipients", len(recipients),
				"ses_message_id", aws.ToString(out.MessageId),
			)
			return nil
		}

		lastErr = err
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (s *SESProvider) Name() string {
	return "ses"
}

func (s *SESProvider) buildInput(msg *email.Message, recipients []string) *sesv2.SendEmailInput {
	from := msg.From
	var replyTo []string
	if s.sender != "" {
		from = s.sender
		if msg.From != "" && msg.From != s.sender {
			replyTo = []string{msg.From}
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		ReplyToAddresses: replyTo,
		Destination: &types.Destination{
			ToAddresses: recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: buildRawMessage(from, msg),
			},
		},
	}
}

// buildRawMessage returns the content with CRLF line endings, adding a From
// header when the submitted content has none.
func buildRawMessage(from string, msg *email.Message) []byte {
	raw := msg.CRLFContent()

	parsed, err := mail.ReadMessage(bytes.NewReader(raw))
	if err == nil && parsed.Header.Get("From") != "" {
		return raw
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	if err != nil {
		// No header block at all: terminate the one we just wrote.
		buf.WriteString("\r\n")
	}
	buf.Write(raw)
	return buf.Bytes()
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (s *SESProvider) backoffDelay(attempt int) time.Duration {
	delay := s.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
