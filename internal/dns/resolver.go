// Package dns checks whether a recipient domain can receive mail, using MX
// records with the RFC 5321 implicit-MX fallback to address records.
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mdns "github.com/miekg/dns"
)

var (
	// ErrServFail indicates every nameserver failed to answer.
	ErrServFail = errors.New("dns: server failure")

	errNXDomain = errors.New("dns: no such domain")
)

// Checker reports whether a domain accepts mail. A false result with a nil
// error means the domain definitively does not exist or has no mail host.
type Checker interface {
	MailDomainExists(ctx context.Context, domain string) (bool, error)
}

// ResolverConfig contains configuration for the DNS resolver.
type ResolverConfig struct {
	// Nameservers is a list of DNS servers to query (e.g., "8.8.8.8:53").
	// If empty, system resolvers from /etc/resolv.conf are used.
	Nameservers []string

	// Timeout is the timeout for individual DNS queries. Default is 5 seconds.
	Timeout time.Duration

	// Retries is the number of retries for failed queries. Default is 2.
	Retries int
}

// Resolver implements Checker with github.com/miekg/dns.
type Resolver struct {
	config ResolverConfig
	client *mdns.Client
}

// NewResolver creates a resolver, filling in defaults.
func NewResolver(config ResolverConfig) *Resolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}

	return &Resolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

// systemNameservers reads /etc/resolv.conf, falling back to public resolvers.
func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

// MailDomainExists looks up MX records; when the domain exists without MX
// it falls back to A and AAAA. A null MX ("." per RFC 7505) means no mail.
func (r *Resolver) MailDomainExists(ctx context.Context, domain string) (bool, error) {
	resp, err := r.query(ctx, domain, mdns.TypeMX)
	if errors.Is(err, errNXDomain) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			return mx.Mx != ".", nil
		}
	}

	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		resp, err := r.query(ctx, domain, qtype)
		if errors.Is(err, errNXDomain) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if len(resp.Answer) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// query asks each nameserver in turn, retrying on failure.
func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true

	var lastErr error
	for i := 0; i <= r.config.Retries; i++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = fmt.Errorf("dns query failed: %w", err)
				continue
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError:
				return nil, errNXDomain
			default:
				lastErr = fmt.Errorf("%w: rcode %s", ErrServFail, mdns.RcodeToString[resp.Rcode])
			}
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrServFail
}

// Mock is a Checker for tests. Domains map to their existence; Fail lists
// domains that return ErrServFail.
type Mock struct {
	mu      sync.Mutex
	Domains map[string]bool
	Fail    []string
	Calls   int
}

// MailDomainExists answers from the Domains map.
func (m *Mock) MailDomainExists(ctx context.Context, domain string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls++
	if err := ctx.Err(); err != nil {
		return false, err
	}
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	for _, f := range m.Fail {
		if f == domain {
			return false, ErrServFail
		}
	}
	return m.Domains[domain], nil
}

var (
	_ Checker = (*Resolver)(nil)
	_ Checker = (*Mock)(nil)
)
