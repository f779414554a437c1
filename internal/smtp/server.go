package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-inbox-lite/internal/metrics"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Session is applied to every accepted connection.
	Session SessionConfig

	// Router validates recipients and delivers accepted messages.
	Router Router

	// TLSConfig, when set, wraps the listener for implicit TLS.
	TLSConfig *tls.Config
}

// Server is an SMTP server that runs one Session per connection.
type Server struct {
	config ServerConfig

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	cfg.Session.applyDefaults()
	return &Server{config: cfg}
}

// ListenAndServe listens on the configured address and serves until the
// context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled or ln is
// closed. Either way it stops accepting and waits up to 30 seconds for
// in-flight sessions; a closed listener is reported as net.ErrClosed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.Router == nil {
		ln.Close()
		return errors.New("smtp: router is required")
	}

	tlsEnabled := "no"
	if s.config.TLSConfig != nil {
		ln = tls.NewListener(ln, s.config.TLSConfig)
		tlsEnabled = "yes"
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"domain", s.config.Session.Domain,
		"tls_enabled", s.config.TLSConfig != nil,
	)

	// Close the listener on shutdown
	stop := context.AfterFunc(ctx, func() {
		slog.Info("shutting down SMTP server")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error from listener close during shutdown
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				// Closed from outside; in-flight sessions still finish.
				s.waitForSessions()
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		metrics.Connections.WithLabelValues(tlsEnabled).Inc()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s.config.Session, s.config.Router).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
