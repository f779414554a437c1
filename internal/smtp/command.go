package smtp

import (
	"errors"
	"strings"
)

// ErrInvalidArgument is wrapped by every ParseError.
var ErrInvalidArgument = errors.New("invalid argument")

// ParseError describes a command line whose verb was recognized but whose
// argument was malformed.
type ParseError struct {
	Verb    string
	Context string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Context != "" {
		return e.Verb + ": " + e.Err.Error() + ": " + e.Context
	}
	return e.Verb + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Command is one parsed client command. The set of implementations is
// closed; the session switches over them exhaustively.
type Command interface {
	command()
}

type (
	// Ehlo carries the client's domain or address literal.
	Ehlo struct{ Domain string }

	// Helo is the pre-ESMTP greeting.
	Helo struct{ Domain string }

	// MailFrom starts a transaction. Address is empty for the null
	// reverse-path "<>".
	MailFrom struct {
		Address string
		Params  string
	}

	// RcptTo adds one recipient.
	RcptTo struct {
		Address string
		Params  string
	}

	Data struct{}
	Rset struct{}
	Noop struct{}
	Quit struct{}

	Vrfy struct{ Arg string }
	Expn struct{ Arg string }

	// Unknown is any verb not listed above.
	Unknown struct {
		Verb string
		Line string
	}
)

func (Ehlo) command()     {}
func (Helo) command()     {}
func (MailFrom) command() {}
func (RcptTo) command()   {}
func (Data) command()     {}
func (Rset) command()     {}
func (Noop) command()     {}
func (Quit) command()     {}
func (Vrfy) command()     {}
func (Expn) command()     {}
func (Unknown) command()  {}

// ParseCommand classifies a command line. Verbs match case-insensitively.
// A malformed MAIL or RCPT argument yields a *ParseError.
func ParseCommand(line string) (Command, error) {
	verb, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToUpper(verb) {
	case "EHLO":
		return Ehlo{Domain: arg}, nil
	case "HELO":
		return Helo{Domain: arg}, nil
	case "MAIL":
		addr, params, err := parsePath("MAIL", "FROM", arg)
		if err != nil {
			return nil, err
		}
		return MailFrom{Address: addr, Params: params}, nil
	case "RCPT":
		addr, params, err := parsePath("RCPT", "TO", arg)
		if err != nil {
			return nil, err
		}
		return RcptTo{Address: addr, Params: params}, nil
	case "DATA":
		return Data{}, nil
	case "RSET":
		return Rset{}, nil
	case "NOOP":
		return Noop{}, nil
	case "QUIT":
		return Quit{}, nil
	case "VRFY":
		return Vrfy{Arg: arg}, nil
	case "EXPN":
		return Expn{Arg: arg}, nil
	default:
		return Unknown{Verb: verb, Line: line}, nil
	}
}

// parsePath extracts the address between "<" and ">" following
// "<keyword>:". Anything after ">" is returned as ESMTP parameters.
func parsePath(verb, keyword, arg string) (string, string, error) {
	key, rest, ok := strings.Cut(arg, ":")
	if !ok || !strings.EqualFold(strings.TrimSpace(key), keyword) {
		return "", "", &ParseError{Verb: verb, Context: "expected " + keyword + ":", Err: ErrInvalidArgument}
	}

	rest = strings.TrimSpace(rest)
	if !strings.HasPrefix(rest, "<") {
		return "", "", &ParseError{Verb: verb, Context: "missing <", Err: ErrInvalidArgument}
	}
	end := strings.IndexByte(rest, '>')
	if end < 0 {
		return "", "", &ParseError{Verb: verb, Context: "missing >", Err: ErrInvalidArgument}
	}

	addr := rest[1:end]
	if strings.ContainsAny(addr, " <") {
		return "", "", &ParseError{Verb: verb, Context: "bad address", Err: ErrInvalidArgument}
	}
	return addr, strings.TrimSpace(rest[end+1:]), nil
}
