// Package stdout implements a Provider that prints forwarded messages to
// standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/smtp-inbox-lite/internal/email"
	"github.com/shineum/smtp-inbox-lite/internal/parser"
)

// Provider prints forwarded messages in a human-readable format.
type Provider struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the envelope and a summary of the content.
func (p *Provider) Send(_ context.Context, msg *email.Message, recipients []string) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("Envelope-From: %s\n", msg.From))
	b.WriteString(fmt.Sprintf("Envelope-To: %s\n", strings.Join(recipients, ", ")))
	b.WriteString(fmt.Sprintf("Size: %s\n", formatSize(msg.Size())))

	if summary, err := parser.ParseString(msg.Content); err == nil {
		b.WriteString(fmt.Sprintf("Subject: %s\n", summary.Subject))
		body := summary.TextBody
		if body == "" {
			body = summary.HTMLBody
		}
		b.WriteString("Body:\n")
		b.WriteString(body + "\n")

		if len(summary.Attachments) > 0 {
			attachments := make([]string, 0, len(summary.Attachments))
			for _, att := range summary.Attachments {
				attachments = append(attachments, fmt.Sprintf("%s (%s)", att.Filename, formatSize(att.Size)))
			}
			b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(attachments, ", ")))
		}
	} else {
		b.WriteString("Body:\n")
		b.WriteString(msg.Content)
	}

	b.WriteString("========================================\n")

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := fmt.Fprint(p.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
