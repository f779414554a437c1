// Package store defines the mail sink that persists accepted messages for
// local users.
package store

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/shineum/smtp-inbox-lite/internal/directory"
	"github.com/shineum/smtp-inbox-lite/internal/email"
)

// ErrUnavailable marks sink failures the client may retry later.
var ErrUnavailable = errors.New("store: temporarily unavailable")

// Ref identifies one stored copy of a message.
type Ref string

// Sink persists a message and assigns it to a user's mailbox.
// StoreAndAssign is called exactly once per local delivery; it does not
// retry internally.
type Sink interface {
	StoreAndAssign(ctx context.Context, msg *email.Message, user directory.User) (Ref, error)

	// Name returns the human-readable name of this sink.
	Name() string
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRef returns a new time-ordered reference.
func NewRef(t time.Time) Ref {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return Ref(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

// ParseRef validates a reference and returns its creation time.
func ParseRef(r Ref) (time.Time, error) {
	id, err := ulid.ParseStrict(string(r))
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
