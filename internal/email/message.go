// Package email defines the accepted-message data model shared by the SMTP
// session, the delivery router and the mail sinks.
package email

import (
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// Message is the immutable snapshot of one completed DATA phase.
// Content has normalized "\n" line endings and the terminator line removed.
type Message struct {
	From       string
	To         []string
	Content    string
	ReceivedAt time.Time
}

// NewMessage copies the envelope so later resets of the session do not
// alias the recipient slice.
func NewMessage(from string, to []string, content string) *Message {
	rcpts := make([]string, len(to))
	copy(rcpts, to)
	return &Message{
		From:       from,
		To:         rcpts,
		Content:    content,
		ReceivedAt: time.Now().UTC(),
	}
}

// Size returns the content length in bytes.
func (m *Message) Size() int {
	return len(m.Content)
}

// CRLFContent returns the content with CRLF line endings, the form expected
// by relays and MIME consumers.
func (m *Message) CRLFContent() []byte {
	return []byte(strings.ReplaceAll(m.Content, "\n", "\r\n"))
}

// SplitAddress splits an address into local-part and domain at the last "@".
// The domain is empty when no "@" is present.
func SplitAddress(addr string) (local, domain string) {
	idx := strings.LastIndex(addr, "@")
	if idx < 0 {
		return addr, ""
	}
	return addr[:idx], addr[idx+1:]
}

// NormalizeDomain returns the lower-cased ASCII (punycode) form of a domain,
// so that "Example.COM" and internationalized spellings compare equal.
func NormalizeDomain(domain string) string {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" {
		return ""
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return strings.ToLower(domain)
	}
	return strings.ToLower(ascii)
}

// DomainOf returns the normalized domain of an address.
func DomainOf(addr string) string {
	_, domain := SplitAddress(addr)
	return NormalizeDomain(domain)
}
