// Package config provides YAML configuration loading with environment
// variable overrides for the inbox server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-inbox-lite/internal/directory"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	SMTP      SMTPConfig      `yaml:"smtp"`
	TLS       TLSConfig       `yaml:"tls"`
	Directory DirectoryConfig `yaml:"directory"`
	Store     StoreConfig     `yaml:"store"`
	Forward   ForwardConfig   `yaml:"forward"`
	SES       SESConfig       `yaml:"ses"`
	Graph     GraphConfig     `yaml:"graph"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration. Domain and Banner are passed
// to sessions verbatim.
type SMTPConfig struct {
	Listen         string        `yaml:"listen"`
	Domain         string        `yaml:"domain"`
	Banner         string        `yaml:"banner"`
	MaxMessageSize int64         `yaml:"max_message_size"`
	MaxRecipients  int           `yaml:"max_recipients"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// TLSConfig enables the implicit-TLS listener. Empty file paths select an
// in-memory self-signed certificate.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DirectoryConfig lists local users, either in a separate file or inline.
type DirectoryConfig struct {
	File  string           `yaml:"file"`
	Users []directory.User `yaml:"users"`
}

// StoreConfig selects the mail sink.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// ForwardConfig selects the provider for non-local recipients.
type ForwardConfig struct {
	Provider      string   `yaml:"provider"`
	VerifyDomains bool     `yaml:"verify_domains"`
	Nameservers   []string `yaml:"nameservers"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Sender          string `yaml:"sender"`
}

// GraphConfig holds Microsoft Graph application credentials. Sender is the
// mailbox the messages are sent from.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// MetricsConfig holds the Prometheus endpoint address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GraphConfigured returns true if every Graph credential and the sender
// are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" && c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" && c.Graph.Sender != ""
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory":
	case "maildir":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the maildir driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Forward.Provider {
	case "", "stdout":
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses.region and ses.sender are required for the ses provider"))
		}
	case "graph":
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph.tenant_id, graph.client_id, graph.client_secret and graph.sender are required for the graph provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown forward.provider %q", c.Forward.Provider))
	}

	if c.SMTP.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("smtp.max_message_size must be positive"))
	}
	if c.SMTP.MaxRecipients <= 0 {
		errs = append(errs, errors.New("smtp.max_recipients must be positive"))
	}

	return errors.Join(errs...)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Domain = "localhost"
	c.SMTP.Banner = "SMTP Server ready"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxRecipients = 100
	c.SMTP.IdleTimeout = 5 * time.Minute
	c.Store.Driver = "maildir"
	c.Store.Path = "./maildir"
	c.Logging.Level = "info"
	c.Logging.MaxSizeMB = 100
	c.Logging.MaxBackups = 5
	c.Logging.MaxAgeDays = 28
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_DOMAIN"); v != "" {
		c.SMTP.Domain = v
	}
	if v := os.Getenv("SMTP_BANNER"); v != "" {
		c.SMTP.Banner = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_RECIPIENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SMTP.MaxRecipients = n
		}
	}
	if v := os.Getenv("SMTP_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SMTP.IdleTimeout = d
		}
	}

	if v := os.Getenv("TLS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.TLS.Enabled = b
		}
	}
	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("DIRECTORY_FILE"); v != "" {
		c.Directory.File = v
	}

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.Store.Path = v
	}

	if v := os.Getenv("FORWARD_PROVIDER"); v != "" {
		c.Forward.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("FORWARD_VERIFY_DOMAINS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Forward.VerifyDomains = b
		}
	}
	if v := os.Getenv("FORWARD_NAMESERVERS"); v != "" {
		c.Forward.Nameservers = splitList(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}

	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Graph.ClientSecret = v
	}
	if v := os.Getenv("GRAPH_SENDER"); v != "" {
		c.Graph.Sender = v
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
