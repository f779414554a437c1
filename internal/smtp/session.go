package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-inbox-lite/internal/email"
	"github.com/shineum/smtp-inbox-lite/internal/metrics"
	"github.com/shineum/smtp-inbox-lite/internal/router"
)

// State is the position of a session in the transaction state machine.
type State int

const (
	StateIdle State = iota
	StateHaveSender
	StateHaveRecipient
	StateCollectingContent
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveSender:
		return "have_sender"
	case StateHaveRecipient:
		return "have_recipient"
	case StateCollectingContent:
		return "collecting_content"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultIdleTimeout    = 5 * time.Minute
	defaultMaxMessageSize = 10 * 1024 * 1024
	defaultMaxRecipients  = 100
	writeTimeout          = 30 * time.Second
)

// Router is the delivery side of a session: recipient validation at RCPT
// time and the handoff of an accepted message.
type Router interface {
	CheckRecipient(ctx context.Context, sender, rcpt string) error
	Route(ctx context.Context, msg *email.Message) (*router.Report, error)
}

// SessionConfig holds the per-connection settings. Domain and Banner are
// used as given.
type SessionConfig struct {
	Domain         string
	Banner         string
	MaxMessageSize int64
	MaxRecipients  int
	MaxLineLength  int
	IdleTimeout    time.Duration
}

func (c *SessionConfig) applyDefaults() {
	if c.Domain == "" {
		c.Domain = "localhost"
	}
	if c.Banner == "" {
		c.Banner = "SMTP Server ready"
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.MaxRecipients <= 0 {
		c.MaxRecipients = defaultMaxRecipients
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
}

// envelope is the sender and recipients of the current transaction.
type envelope struct {
	sender     string
	recipients []string
}

func (e *envelope) reset() {
	e.sender = ""
	e.recipients = nil
}

// Session represents a single SMTP client connection and owns its
// envelope and state.
type Session struct {
	id     string
	conn   net.Conn
	framer *Framer
	writer *bufio.Writer
	config SessionConfig
	router Router
	logger *slog.Logger

	state State
	env   envelope
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg SessionConfig, r Router) *Session {
	cfg.applyDefaults()

	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		writer: bufio.NewWriter(conn),
		config: cfg,
		router: r,
		logger: slog.With("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		state:  StateIdle,
	}
}

// ID returns the session identifier used in log lines.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state machine position.
func (s *Session) State() State {
	return s.state
}

// Handle runs the session until QUIT, a transport error, the idle timeout
// or cancellation of ctx.
func (s *Session) Handle(ctx context.Context) {
	defer func() {
		s.state = StateClosed
		s.env.reset()
		s.conn.Close()
	}()

	s.framer = NewFramer(&idleReader{ctx: ctx, conn: s.conn, timeout: s.config.IdleTimeout}, s.config.MaxLineLength)
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.logger.Debug("session started")
	s.reply(220, "%s %s", s.config.Domain, s.config.Banner)

	for {
		line, err := s.framer.ReadLine()
		if err != nil {
			if errors.Is(err, ErrLineTooLong) {
				s.reply(500, "Line too long")
				continue
			}
			s.readFailed(ctx, err)
			return
		}

		if line == "" {
			s.reply(500, "Syntax error, empty command")
			continue
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			s.logger.Debug("command rejected", "error", err)
			s.reply(501, "Syntax error in parameters or arguments")
			continue
		}

		if done := s.handleCommand(ctx, cmd); done {
			return
		}
	}
}

// readFailed reports why the read loop ended.
func (s *Session) readFailed(ctx context.Context, err error) {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		s.reply(421, "%s Service shutting down", s.config.Domain)
	case errors.As(err, &netErr) && netErr.Timeout():
		s.logger.Info("idle timeout")
		s.reply(421, "%s Idle timeout, closing connection", s.config.Domain)
	default:
		s.logger.Debug("connection closed", "error", err)
	}
}

// handleCommand applies one command and returns true if the session
// should end.
func (s *Session) handleCommand(ctx context.Context, cmd Command) bool {
	switch c := cmd.(type) {
	case Ehlo:
		s.handleEHLO(c.Domain, true)
	case Helo:
		s.handleEHLO(c.Domain, false)
	case MailFrom:
		s.handleMAIL(c)
	case RcptTo:
		s.handleRCPT(ctx, c)
	case Data:
		return s.handleDATA(ctx)
	case Rset:
		s.resetTransaction()
		s.reply(250, "OK")
	case Noop:
		s.reply(250, "OK")
	case Quit:
		s.reply(221, "%s Bye", s.config.Domain)
		return true
	case Vrfy:
		s.reply(502, "VRFY command not implemented")
	case Expn:
		s.reply(502, "EXPN command not implemented")
	case Unknown:
		s.logger.Debug("unrecognized command", "verb", c.Verb)
		s.reply(500, "Syntax error, command unrecognized")
	default:
		s.reply(500, "Syntax error, command unrecognized")
	}
	return false
}

// handleEHLO answers EHLO and HELO. Neither changes the state.
func (s *Session) handleEHLO(client string, extended bool) {
	if client == "" {
		s.reply(501, "Syntax: EHLO hostname")
		return
	}

	if !extended {
		s.reply(250, "%s Hello %s", s.config.Domain, client)
		return
	}

	s.replyLines(250,
		fmt.Sprintf("%s Hello %s", s.config.Domain, client),
		fmt.Sprintf("SIZE %d", s.config.MaxMessageSize),
	)
}

// handleMAIL starts a new transaction, discarding any previous envelope.
func (s *Session) handleMAIL(c MailFrom) {
	if size, ok := sizeParam(c.Params); ok && size > s.config.MaxMessageSize {
		s.reply(552, "Message size exceeds fixed maximum message size")
		return
	}

	s.env.reset()
	s.env.sender = c.Address
	s.state = StateHaveSender
	s.logger.Debug("mail from", "mail_from", c.Address)
	s.reply(250, "OK")
}

// handleRCPT validates and appends one recipient.
func (s *Session) handleRCPT(ctx context.Context, c RcptTo) {
	if s.state != StateHaveSender && s.state != StateHaveRecipient {
		s.reply(503, "Bad sequence of commands: need MAIL FROM first")
		return
	}
	if c.Address == "" {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return
	}
	if len(s.env.recipients) >= s.config.MaxRecipients {
		s.reply(452, "Too many recipients")
		return
	}

	err := s.router.CheckRecipient(ctx, s.env.sender, c.Address)
	switch {
	case err == nil:
		s.env.recipients = append(s.env.recipients, c.Address)
		s.state = StateHaveRecipient
		s.reply(250, "OK")
	case errors.Is(err, router.ErrRelayDenied):
		s.logger.Info("relay denied", "mail_from", s.env.sender, "rcpt_to", c.Address)
		s.reply(550, "Relay access denied")
	case errors.Is(err, router.ErrForwardNotImplemented):
		s.logger.Info("forward refused", "mail_from", s.env.sender, "rcpt_to", c.Address)
		s.reply(550, "Forwarding to non-local recipients not implemented")
	case errors.Is(err, router.ErrDomainUnknown):
		s.reply(550, "Recipient domain has no mail server")
	case errors.Is(err, router.ErrMailboxUnavailable):
		s.reply(550, "Mailbox unavailable")
	default:
		s.logger.Error("recipient check failed", "rcpt_to", c.Address, "error", err)
		s.reply(451, "Requested action aborted: local error in processing")
	}
}

// handleDATA collects the content and hands the message to the router.
// It returns true when the transport failed during collection.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state != StateHaveRecipient {
		s.reply(554, "No valid recipients")
		return false
	}

	s.state = StateCollectingContent
	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	content, err := s.framer.ReadContent(s.config.MaxMessageSize)
	if errors.Is(err, ErrMessageTooLarge) {
		s.resetTransaction()
		s.reply(552, "Message size exceeds fixed maximum message size")
		return false
	}
	if err != nil {
		s.readFailed(ctx, err)
		return true
	}

	msg := email.NewMessage(s.env.sender, s.env.recipients, content)
	s.resetTransaction()

	report, err := s.router.Route(ctx, msg)
	if err != nil {
		s.logger.Error("handoff failed",
			"mail_from", msg.From,
			"recipients", len(msg.To),
			"error", err,
		)
		s.reply(451, "Requested action aborted: local error in processing")
		return false
	}

	if report.Delivered() == 0 {
		s.reply(554, "Transaction failed: no valid recipients")
		return false
	}
	if failed := report.Failed(); len(failed) > 0 {
		rcpts := make([]string, len(failed))
		for i, o := range failed {
			rcpts[i] = o.Recipient
		}
		s.logger.Warn("message partially delivered",
			"mail_from", msg.From,
			"failed", rcpts,
		)
	}

	if refs := report.Refs(); len(refs) > 0 {
		s.reply(250, "OK queued as %s", refs[0])
	} else {
		s.reply(250, "OK")
	}
	return false
}

// resetTransaction clears the envelope and returns to Idle.
func (s *Session) resetTransaction() {
	s.env.reset()
	s.state = StateIdle
}

// reply writes a single-line reply.
func (s *Session) reply(code int, format string, args ...any) {
	s.replyLines(code, fmt.Sprintf(format, args...))
}

// replyLines writes a reply, using "code-" continuation for all but the
// last line.
func (s *Session) replyLines(code int, lines ...string) {
	metrics.ObserveReply(code)

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if _, err := s.writer.WriteString(strconv.Itoa(code) + sep + line + "\r\n"); err != nil {
			s.logger.Error("failed to write to client", "error", err)
			return
		}
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("failed to flush to client", "error", err)
	}
}

// sizeParam returns the value of a SIZE= ESMTP parameter.
func sizeParam(params string) (int64, bool) {
	for _, p := range strings.Fields(params) {
		key, value, ok := strings.Cut(p, "=")
		if !ok || !strings.EqualFold(key, "SIZE") {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// idleReader extends the read deadline before every read so that the
// timeout applies to idle time rather than to the whole session.
type idleReader struct {
	ctx     context.Context
	conn    net.Conn
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.conn.Read(p)
}
