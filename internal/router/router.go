// Package router classifies accepted messages per recipient and hands them
// to the mail sink or the forwarding provider.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/smtp-inbox-lite/internal/directory"
	"github.com/shineum/smtp-inbox-lite/internal/dns"
	"github.com/shineum/smtp-inbox-lite/internal/email"
	"github.com/shineum/smtp-inbox-lite/internal/metrics"
	"github.com/shineum/smtp-inbox-lite/internal/provider"
	"github.com/shineum/smtp-inbox-lite/internal/store"
)

// Config contains the collaborators of a Router. Forwarder and Checker are
// optional.
type Config struct {
	// Domain is the serving domain; recipients in it are local.
	Domain string

	Directory directory.Directory
	Sink      store.Sink

	// Forwarder receives Forward recipients. When nil every Forward
	// recipient fails with ErrForwardNotImplemented.
	Forwarder provider.Provider

	// Checker, when set, verifies foreign domains at RCPT time.
	Checker dns.Checker
}

// Router implements the delivery decision for accepted messages.
type Router struct {
	domain    string
	directory directory.Directory
	sink      store.Sink
	forwarder provider.Provider
	checker   dns.Checker
}

// New creates a Router.
func New(cfg Config) (*Router, error) {
	domain := email.NormalizeDomain(cfg.Domain)
	if domain == "" {
		return nil, errors.New("router: serving domain is required")
	}
	if cfg.Directory == nil {
		return nil, errors.New("router: directory is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("router: sink is required")
	}

	return &Router{
		domain:    domain,
		directory: cfg.Directory,
		sink:      cfg.Sink,
		forwarder: cfg.Forwarder,
		checker:   cfg.Checker,
	}, nil
}

// IsLocal reports whether addr belongs to the serving domain.
func (r *Router) IsLocal(addr string) bool {
	return email.DomainOf(addr) == r.domain
}

// CheckRecipient validates a recipient at RCPT time. Local recipients must
// exist in the directory. Foreign recipients are accepted only for a local
// sender, only when a forwarder is configured and, when a Checker is
// configured, only for a domain that has a mail host.
func (r *Router) CheckRecipient(ctx context.Context, sender, rcpt string) error {
	local, domain := email.SplitAddress(rcpt)
	if local == "" || domain == "" {
		return ErrMailboxUnavailable
	}

	if email.NormalizeDomain(domain) == r.domain {
		_, err := r.lookup(ctx, local)
		return err
	}

	if !r.IsLocal(sender) {
		return ErrRelayDenied
	}
	if r.forwarder == nil {
		return ErrForwardNotImplemented
	}
	if r.checker == nil {
		return nil
	}

	ok, err := r.checker.MailDomainExists(ctx, email.NormalizeDomain(domain))
	if err != nil {
		return fmt.Errorf("%w: dns lookup for %s: %v", ErrTransient, domain, err)
	}
	if !ok {
		return ErrDomainUnknown
	}
	return nil
}

// Decide classifies every recipient of msg. It has no side effects and
// returns the same decisions for the same message and directory state.
// A directory fault aborts the whole decision with ErrTransient.
func (r *Router) Decide(ctx context.Context, msg *email.Message) ([]Decision, error) {
	decisions := make([]Decision, 0, len(msg.To))
	for _, rcpt := range msg.To {
		local, domain := email.SplitAddress(rcpt)
		if email.NormalizeDomain(domain) != r.domain {
			decisions = append(decisions, Decision{Kind: Forward, Recipient: rcpt})
			continue
		}

		d, err := r.decideLocal(ctx, rcpt, local)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// Route decides first and commits only when every lookup succeeded. Forward
// recipients are handed to the forwarder in a single Send before anything
// is stored, so a forward failure leaves no local copies behind. Each
// DeliverLocal decision then results in exactly one StoreAndAssign call.
func (r *Router) Route(ctx context.Context, msg *email.Message) (*Report, error) {
	start := time.Now()
	defer func() {
		metrics.HandoffDuration.Observe(time.Since(start).Seconds())
	}()

	if len(msg.To) == 0 {
		return nil, errors.New("router: message has no recipients")
	}

	report := &Report{}
	var (
		decisions []Decision
		err       error
	)
	if r.allLocal(msg) {
		report.Bulk = true
		decisions, err = r.decideBulk(ctx, msg)
	} else {
		decisions, err = r.Decide(ctx, msg)
	}
	if err != nil {
		metrics.Deliveries.WithLabelValues("error").Add(float64(len(msg.To)))
		return nil, err
	}

	report.Outcomes = make([]Outcome, len(decisions))
	var forwardIdx []int
	for i, d := range decisions {
		report.Outcomes[i] = Outcome{Decision: d}
		switch d.Kind {
		case Forward:
			forwardIdx = append(forwardIdx, i)
		case Reject:
			report.Outcomes[i].Err = d.Reason
		}
	}

	if len(forwardIdx) > 0 {
		if err := r.forward(ctx, msg, report, forwardIdx); err != nil {
			metrics.Deliveries.WithLabelValues("error").Add(float64(len(msg.To)))
			return nil, err
		}
	}

	var committed []store.Ref
	for i, d := range decisions {
		if d.Kind != DeliverLocal {
			continue
		}
		ref, err := r.sink.StoreAndAssign(ctx, msg, d.User)
		if err != nil {
			slog.Error("sink failed",
				"sink", r.sink.Name(),
				"mail_from", msg.From,
				"rcpt_to", d.Recipient,
				"user", d.User.Username,
				"committed_refs", committed,
				"forwarded", r.forwarded(report),
				"error", err,
			)
			metrics.Deliveries.WithLabelValues("error").Inc()
			return nil, &CommitError{Recipient: d.Recipient, Committed: committed, Err: err}
		}
		report.Outcomes[i].Ref = ref
		committed = append(committed, ref)
	}

	for _, o := range report.Outcomes {
		result := o.Kind.String()
		if o.Err != nil && o.Kind != Reject {
			result = "error"
		}
		metrics.Deliveries.WithLabelValues(result).Inc()
		slog.Info("recipient routed",
			"mail_from", msg.From,
			"rcpt_to", o.Recipient,
			"decision", o.Kind.String(),
			"ref", o.Ref,
			"error", o.Err,
		)
	}
	return report, nil
}

// forward hands all Forward recipients to the provider at once. Any
// provider failure is transient: nothing has been stored yet and the client
// retries the whole message. Without a provider each forward outcome fails
// with ErrForwardNotImplemented.
func (r *Router) forward(ctx context.Context, msg *email.Message, report *Report, idx []int) error {
	if r.forwarder == nil {
		for _, i := range idx {
			report.Outcomes[i].Err = ErrForwardNotImplemented
		}
		return nil
	}

	rcpts := make([]string, len(idx))
	for j, i := range idx {
		rcpts[j] = report.Outcomes[i].Recipient
	}

	err := r.forwarder.Send(ctx, msg, rcpts)
	if err == nil {
		return nil
	}

	slog.Error("forward failed",
		"provider", r.forwarder.Name(),
		"recipients", rcpts,
		"error", err,
	)
	return fmt.Errorf("%w: forward via %s: %v", ErrTransient, r.forwarder.Name(), err)
}

// forwarded lists the recipients already handed to the forwarder.
func (r *Router) forwarded(report *Report) []string {
	if r.forwarder == nil {
		return nil
	}
	var out []string
	for _, o := range report.Outcomes {
		if o.Kind == Forward && o.Err == nil {
			out = append(out, o.Recipient)
		}
	}
	return out
}

// allLocal reports whether the sender and every recipient are in the
// serving domain.
func (r *Router) allLocal(msg *email.Message) bool {
	if !r.IsLocal(msg.From) {
		return false
	}
	for _, rcpt := range msg.To {
		if !r.IsLocal(rcpt) {
			return false
		}
	}
	return true
}

// decideBulk resolves every recipient as a local user.
func (r *Router) decideBulk(ctx context.Context, msg *email.Message) ([]Decision, error) {
	decisions := make([]Decision, len(msg.To))
	for i, rcpt := range msg.To {
		local, _ := email.SplitAddress(rcpt)
		d, err := r.decideLocal(ctx, rcpt, local)
		if err != nil {
			return nil, err
		}
		decisions[i] = d
	}
	slog.Debug("bulk local delivery", "mail_from", msg.From, "recipients", len(msg.To))
	return decisions, nil
}

func (r *Router) decideLocal(ctx context.Context, rcpt, local string) (Decision, error) {
	user, err := r.lookup(ctx, local)
	switch {
	case err == nil:
		return Decision{Kind: DeliverLocal, Recipient: rcpt, User: user}, nil
	case errors.Is(err, ErrMailboxUnavailable):
		return Decision{Kind: Reject, Recipient: rcpt, Reason: err}, nil
	default:
		return Decision{}, err
	}
}

// lookup maps directory results onto router errors.
func (r *Router) lookup(ctx context.Context, local string) (directory.User, error) {
	user, err := r.directory.FindLocalUser(ctx, local)
	if errors.Is(err, directory.ErrNotFound) {
		return directory.User{}, ErrMailboxUnavailable
	}
	if err != nil {
		return directory.User{}, fmt.Errorf("%w: directory lookup for %q: %v", ErrTransient, local, err)
	}
	return user, nil
}
