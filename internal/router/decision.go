package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shineum/smtp-inbox-lite/internal/directory"
	"github.com/shineum/smtp-inbox-lite/internal/store"
)

var (
	// ErrTransient marks a directory or sink fault. The whole handoff failed
	// and the client may retry the transaction later.
	ErrTransient = errors.New("router: transient failure")

	// ErrMailboxUnavailable is the reason for a local recipient without an account.
	ErrMailboxUnavailable = errors.New("router: mailbox unavailable")

	// ErrRelayDenied is returned for a foreign recipient when the sender is
	// not local either.
	ErrRelayDenied = errors.New("router: relay access denied")

	// ErrDomainUnknown is returned when a foreign domain has no mail host.
	ErrDomainUnknown = errors.New("router: recipient domain unknown")

	// ErrForwardNotImplemented is the outcome of a Forward decision when no
	// forwarding provider is configured.
	ErrForwardNotImplemented = errors.New("router: forwarding not implemented")
)

// CommitError is returned by Route when the sink fails after earlier
// recipients of the same message were already stored. It matches
// ErrTransient. Committed lists the refs that a retry will duplicate.
type CommitError struct {
	Recipient string
	Committed []store.Ref
	Err       error
}

func (e *CommitError) Error() string {
	refs := make([]string, len(e.Committed))
	for i, ref := range e.Committed {
		refs[i] = string(ref)
	}
	return fmt.Sprintf("%v: store for %s (committed refs: [%s]): %v",
		ErrTransient, e.Recipient, strings.Join(refs, " "), e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

func (e *CommitError) Is(target error) bool { return target == ErrTransient }

// Kind classifies one recipient.
type Kind int

const (
	DeliverLocal Kind = iota
	Forward
	Reject
)

func (k Kind) String() string {
	switch k {
	case DeliverLocal:
		return "local"
	case Forward:
		return "forward"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is the routing result for one recipient. User is set for
// DeliverLocal and Reason for Reject.
type Decision struct {
	Kind      Kind
	Recipient string
	User      directory.User
	Reason    error
}

// Outcome is what happened to one Decision during Route. Err is nil when the
// recipient was stored or handed to the forwarding provider.
type Outcome struct {
	Decision
	Ref store.Ref
	Err error
}

// Report collects the outcomes of one routed message in recipient order.
type Report struct {
	Outcomes []Outcome
	Bulk     bool
}

// Delivered returns the number of recipients stored or forwarded.
func (r *Report) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Refs returns the sink references of all local deliveries.
func (r *Report) Refs() []store.Ref {
	var refs []store.Ref
	for _, o := range r.Outcomes {
		if o.Kind == DeliverLocal && o.Err == nil {
			refs = append(refs, o.Ref)
		}
	}
	return refs
}

// Failed returns the outcomes that did not succeed.
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}
