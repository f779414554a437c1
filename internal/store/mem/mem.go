// Package mem provides an in-memory Sink for tests and development.
package mem

import (
	"context"
	"sync"

	"github.com/shineum/smtp-inbox-lite/internal/directory"
	"github.com/shineum/smtp-inbox-lite/internal/email"
	"github.com/shineum/smtp-inbox-lite/internal/store"
)

// Delivery is one StoreAndAssign call recorded by the Sink.
type Delivery struct {
	Ref     store.Ref
	User    directory.User
	Message *email.Message
}

// Sink keeps deliveries in memory. Fail, when set, is returned by every
// StoreAndAssign call instead of storing.
type Sink struct {
	mu         sync.RWMutex
	deliveries []Delivery
	fail       error
}

// New creates an empty in-memory sink.
func New() *Sink {
	return &Sink{}
}

// StoreAndAssign records the delivery.
func (s *Sink) StoreAndAssign(ctx context.Context, msg *email.Message, user directory.User) (store.Ref, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return "", s.fail
	}

	ref := store.NewRef(msg.ReceivedAt)
	s.deliveries = append(s.deliveries, Delivery{Ref: ref, User: user, Message: msg})
	return ref, nil
}

// Name returns the sink name.
func (s *Sink) Name() string {
	return "memory"
}

// SetFailure makes subsequent StoreAndAssign calls return err. A nil err
// restores normal operation.
func (s *Sink) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Deliveries returns a copy of all recorded deliveries in call order.
func (s *Sink) Deliveries() []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Delivery, len(s.deliveries))
	copy(out, s.deliveries)
	return out
}

// For returns the deliveries assigned to a username.
func (s *Sink) For(username string) []Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Delivery
	for _, d := range s.deliveries {
		if d.User.Username == username {
			out = append(out, d)
		}
	}
	return out
}

// Count returns the number of recorded deliveries.
func (s *Sink) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.deliveries)
}

var _ store.Sink = (*Sink)(nil)
