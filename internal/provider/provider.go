// Package provider defines the interface for forwarding backends that hand
// messages for non-local recipients to another system.
package provider

import (
	"context"

	"github.com/shineum/smtp-inbox-lite/internal/email"
)

// Provider is the interface that forwarding backends must implement.
// A Provider performs a single handoff; queueing and retry scheduling
// across sessions are not its concern.
type Provider interface {
	// Send hands msg to the backend for the given recipients, which are a
	// subset of msg.To. It returns an error if the handoff fails.
	Send(ctx context.Context, msg *email.Message, recipients []string) error

	// Name returns the human-readable name of this provider.
	Name() string
}
