// Package main is the entry point for the SMTP inbox server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shineum/smtp-inbox-lite/internal/config"
	"github.com/shineum/smtp-inbox-lite/internal/directory"
	"github.com/shineum/smtp-inbox-lite/internal/dns"
	"github.com/shineum/smtp-inbox-lite/internal/metrics"
	"github.com/shineum/smtp-inbox-lite/internal/provider"
	"github.com/shineum/smtp-inbox-lite/internal/provider/graph"
	"github.com/shineum/smtp-inbox-lite/internal/provider/ses"
	"github.com/shineum/smtp-inbox-lite/internal/provider/stdout"
	"github.com/shineum/smtp-inbox-lite/internal/router"
	"github.com/shineum/smtp-inbox-lite/internal/smtp"
	"github.com/shineum/smtp-inbox-lite/internal/store"
	"github.com/shineum/smtp-inbox-lite/internal/store/maildir"
	"github.com/shineum/smtp-inbox-lite/internal/store/mem"
	smtptls "github.com/shineum/smtp-inbox-lite/internal/tls"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	closeLog := setupLogger(cfg.Logging)
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg); err != nil {
		slog.Error("server error", "error", err)
		closeLog()
		os.Exit(1)
	}

	slog.Info("smtp-inbox-lite stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config) error {
	dir, err := buildDirectory(cfg.Directory)
	if err != nil {
		return err
	}

	sink, err := buildSink(cfg.Store)
	if err != nil {
		return err
	}

	fwd, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	var checker dns.Checker
	if cfg.Forward.VerifyDomains {
		checker = dns.NewResolver(dns.ResolverConfig{Nameservers: cfg.Forward.Nameservers})
	}

	rt, err := router.New(router.Config{
		Domain:    cfg.SMTP.Domain,
		Directory: dir,
		Sink:      sink,
		Forwarder: fwd,
		Checker:   checker,
	})
	if err != nil {
		return err
	}

	serverCfg := smtp.ServerConfig{
		ListenAddr: cfg.SMTP.Listen,
		Session: smtp.SessionConfig{
			Domain:         cfg.SMTP.Domain,
			Banner:         cfg.SMTP.Banner,
			MaxMessageSize: cfg.SMTP.MaxMessageSize,
			MaxRecipients:  cfg.SMTP.MaxRecipients,
			IdleTimeout:    cfg.SMTP.IdleTimeout,
		},
		Router: rt,
	}

	tlsMode := "off"
	if cfg.TLS.Enabled {
		serverCfg.TLSConfig, err = smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Domain)
		if err != nil {
			return fmt.Errorf("failed to setup TLS: %w", err)
		}
		tlsMode = "self-signed"
		if cfg.TLS.CertFile != "" {
			tlsMode = "file"
		}
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	forwardName := "none"
	if fwd != nil {
		forwardName = fwd.Name()
	}
	slog.Info("starting smtp-inbox-lite",
		"listen", cfg.SMTP.Listen,
		"domain", cfg.SMTP.Domain,
		"store", sink.Name(),
		"forward", forwardName,
		"verify_domains", cfg.Forward.VerifyDomains,
		"tls_mode", tlsMode,
	)

	handleSignals(cancel, dir)

	// Start the server (blocks until context is cancelled)
	return smtp.New(serverCfg).ListenAndServe(ctx)
}

// handleSignals cancels on SIGTERM/SIGINT and reloads a file directory on
// SIGHUP.
func handleSignals(cancel context.CancelFunc, dir directory.Directory) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				if f, ok := dir.(*directory.File); ok {
					if err := f.Reload(); err != nil {
						slog.Error("failed to reload user directory", "error", err)
					}
				}
				continue
			}
			slog.Info("received signal, initiating shutdown", "signal", sig)
			cancel()
			return
		}
	}()
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// parseLevel maps a configured level name to a slog level.
func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger configures the global slog logger with JSON output. When a
// log file is configured, records go to stdout and to the rotated file.
// The returned function closes the file.
func setupLogger(cfg config.LoggingConfig) func() {
	var (
		out     io.Writer = os.Stdout
		closeFn           = func() {}
	)

	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closeFn = func() { lj.Close() }
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	slog.SetDefault(slog.New(handler))
	return closeFn
}

// buildDirectory loads the users file when configured, otherwise the
// inline user list.
func buildDirectory(cfg config.DirectoryConfig) (directory.Directory, error) {
	if cfg.File != "" {
		f, err := directory.LoadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load user directory: %w", err)
		}
		return f, nil
	}

	if len(cfg.Users) == 0 {
		slog.Warn("no local users configured; every local recipient will be rejected")
	}
	return directory.NewMemory(cfg.Users...), nil
}

// buildSink selects the mail sink backend.
func buildSink(cfg config.StoreConfig) (store.Sink, error) {
	switch cfg.Driver {
	case "memory":
		return mem.New(), nil
	case "maildir":
		s, err := maildir.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// selectProvider chooses the forwarding backend. A nil Provider means
// forwarding is not available.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Forward.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES provider selected but SES_REGION and SES_SENDER are required")
		}
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("Graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER are required")
		}
		slog.Info("using Microsoft Graph provider", "sender", cfg.Graph.Sender)
		return graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}), nil

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	case "":
		slog.Info("no forward provider configured, non-local recipients will be rejected")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Forward.Provider)
	}
}
