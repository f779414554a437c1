package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envVars = []string{
	"SMTP_LISTEN", "SMTP_DOMAIN", "SMTP_BANNER", "SMTP_MAX_MESSAGE_SIZE",
	"SMTP_MAX_RECIPIENTS", "SMTP_IDLE_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"DIRECTORY_FILE", "STORE_DRIVER", "STORE_PATH",
	"FORWARD_PROVIDER", "FORWARD_VERIFY_DOMAINS", "FORWARD_NAMESERVERS",
	"SES_REGION", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY", "SES_SENDER",
	"GRAPH_TENANT_ID", "GRAPH_CLIENT_ID", "GRAPH_CLIENT_SECRET", "GRAPH_SENDER",
	"METRICS_LISTEN", "LOG_LEVEL", "LOG_FILE",
}

// clearEnv blanks every variable read by applyEnvVars for this test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envVars {
		t.Setenv(env, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Listen != ":2525" {
		t.Errorf("SMTP.Listen: got %q, want %q", cfg.SMTP.Listen, ":2525")
	}
	if cfg.SMTP.Domain != "localhost" {
		t.Errorf("SMTP.Domain: got %q, want localhost", cfg.SMTP.Domain)
	}
	if cfg.SMTP.Banner != "SMTP Server ready" {
		t.Errorf("SMTP.Banner: got %q", cfg.SMTP.Banner)
	}
	if cfg.SMTP.MaxMessageSize != 26214400 {
		t.Errorf("SMTP.MaxMessageSize: got %d, want %d", cfg.SMTP.MaxMessageSize, 26214400)
	}
	if cfg.SMTP.MaxRecipients != 100 {
		t.Errorf("SMTP.MaxRecipients: got %d, want 100", cfg.SMTP.MaxRecipients)
	}
	if cfg.SMTP.IdleTimeout != 5*time.Minute {
		t.Errorf("SMTP.IdleTimeout: got %v, want 5m", cfg.SMTP.IdleTimeout)
	}
	if cfg.Store.Driver != "maildir" {
		t.Errorf("Store.Driver: got %q, want maildir", cfg.Store.Driver)
	}
	if cfg.Forward.Provider != "" {
		t.Errorf("Forward.Provider: got %q, want empty", cfg.Forward.Provider)
	}
	if cfg.TLS.Enabled {
		t.Error("TLS.Enabled: got true, want false")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("Metrics.Listen: got %q, want empty", cfg.Metrics.Listen)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_LISTEN", ":9025")
	t.Setenv("SMTP_DOMAIN", "mail.example.com")
	t.Setenv("SMTP_BANNER", "Welcome")
	t.Setenv("SMTP_MAX_MESSAGE_SIZE", "10485760")
	t.Setenv("SMTP_MAX_RECIPIENTS", "5")
	t.Setenv("SMTP_IDLE_TIMEOUT", "30s")
	t.Setenv("TLS_ENABLED", "true")
	t.Setenv("TLS_CERT_FILE", "/path/to/cert.pem")
	t.Setenv("TLS_KEY_FILE", "/path/to/key.pem")
	t.Setenv("DIRECTORY_FILE", "/etc/inbox/users.yaml")
	t.Setenv("STORE_DRIVER", "MEMORY")
	t.Setenv("FORWARD_PROVIDER", "ses")
	t.Setenv("FORWARD_VERIFY_DOMAINS", "1")
	t.Setenv("FORWARD_NAMESERVERS", "9.9.9.9:53, 1.1.1.1:53")
	t.Setenv("SES_REGION", "us-east-1")
	t.Setenv("SES_SENDER", "noreply@example.com")
	t.Setenv("METRICS_LISTEN", ":9100")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FILE", "/var/log/inbox.log")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"SMTP.Listen", cfg.SMTP.Listen, ":9025"},
		{"SMTP.Domain", cfg.SMTP.Domain, "mail.example.com"},
		{"SMTP.Banner", cfg.SMTP.Banner, "Welcome"},
		{"SMTP.MaxMessageSize", cfg.SMTP.MaxMessageSize, int64(10485760)},
		{"SMTP.MaxRecipients", cfg.SMTP.MaxRecipients, 5},
		{"SMTP.IdleTimeout", cfg.SMTP.IdleTimeout, 30 * time.Second},
		{"TLS.Enabled", cfg.TLS.Enabled, true},
		{"TLS.CertFile", cfg.TLS.CertFile, "/path/to/cert.pem"},
		{"TLS.KeyFile", cfg.TLS.KeyFile, "/path/to/key.pem"},
		{"Directory.File", cfg.Directory.File, "/etc/inbox/users.yaml"},
		{"Store.Driver", cfg.Store.Driver, "memory"},
		{"Forward.Provider", cfg.Forward.Provider, "ses"},
		{"Forward.VerifyDomains", cfg.Forward.VerifyDomains, true},
		{"Forward.Nameservers", strings.Join(cfg.Forward.Nameservers, ","), "9.9.9.9:53,1.1.1.1:53"},
		{"SES.Region", cfg.SES.Region, "us-east-1"},
		{"Metrics.Listen", cfg.Metrics.Listen, ":9100"},
		{"Logging.Level", cfg.Logging.Level, "debug"},
		{"Logging.File", cfg.Logging.File, "/var/log/inbox.log"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
smtp:
  listen: ":3025"
  domain: "example.org"
  banner: "Example inbox"
  max_recipients: 20
  idle_timeout: 2m
directory:
  users:
    - username: alice
      name: Alice
      aliases: [al, postmaster]
store:
  driver: memory
forward:
  provider: stdout
  verify_domains: true
  nameservers: ["127.0.0.1:5353"]
logging:
  level: "warn"
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.SMTP.Listen != ":3025" {
		t.Errorf("SMTP.Listen: got %q, want %q", cfg.SMTP.Listen, ":3025")
	}
	if cfg.SMTP.Domain != "example.org" {
		t.Errorf("SMTP.Domain: got %q", cfg.SMTP.Domain)
	}
	if cfg.SMTP.MaxRecipients != 20 {
		t.Errorf("SMTP.MaxRecipients: got %d, want 20", cfg.SMTP.MaxRecipients)
	}
	if cfg.SMTP.IdleTimeout != 2*time.Minute {
		t.Errorf("SMTP.IdleTimeout: got %v, want 2m", cfg.SMTP.IdleTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.SMTP.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("SMTP.MaxMessageSize: got %d, want default", cfg.SMTP.MaxMessageSize)
	}
	if len(cfg.Directory.Users) != 1 || cfg.Directory.Users[0].Username != "alice" {
		t.Fatalf("Directory.Users: got %+v", cfg.Directory.Users)
	}
	if len(cfg.Directory.Users[0].Aliases) != 2 {
		t.Errorf("aliases: got %v", cfg.Directory.Users[0].Aliases)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver: got %q", cfg.Store.Driver)
	}
	if cfg.Forward.Provider != "stdout" || !cfg.Forward.VerifyDomains {
		t.Errorf("Forward: got %+v", cfg.Forward)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "warn")
	}
}

func TestLoadFromFile_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_DOMAIN", "env.example.org")

	path := writeConfig(t, "smtp:\n  domain: yaml.example.org\n")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.Domain != "env.example.org" {
		t.Errorf("SMTP.Domain: got %q, want env value", cfg.SMTP.Domain)
	}
}

func TestLoadFromFile_FileNotFound(t *testing.T) {
	clearEnv(t)

	_, err := LoadFromFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for nonexistent file, got nil")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, "smtp: [unclosed")
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for invalid YAML, got nil")
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "s3" }, "store.driver"},
		{"maildir without path", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"unknown provider", func(c *Config) { c.Forward.Provider = "pigeon" }, "forward.provider"},
		{"ses without region", func(c *Config) { c.Forward.Provider = "ses" }, "ses.region"},
		{"graph without credentials", func(c *Config) { c.Forward.Provider = "graph" }, "graph.tenant_id"},
		{"graph configured", func(c *Config) {
			c.Forward.Provider = "graph"
			c.Graph = GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s", Sender: "relay@example.org"}
		}, ""},
		{"zero recipients", func(c *Config) { c.SMTP.MaxRecipients = 0 }, "max_recipients"},
		{"zero size", func(c *Config) { c.SMTP.MaxMessageSize = 0 }, "max_message_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error: got %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSESConfigured(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if cfg.SESConfigured() {
		t.Error("empty config should not be SES-configured")
	}
	cfg.SES.Region = "eu-west-1"
	cfg.SES.Sender = "noreply@example.com"
	if !cfg.SESConfigured() {
		t.Error("region and sender should be enough")
	}
}

func TestLoad_GraphFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("FORWARD_PROVIDER", "Graph")
	t.Setenv("GRAPH_TENANT_ID", "tenant")
	t.Setenv("GRAPH_CLIENT_ID", "client")
	t.Setenv("GRAPH_CLIENT_SECRET", "secret")
	t.Setenv("GRAPH_SENDER", "relay@example.org")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Forward.Provider != "graph" {
		t.Errorf("Forward.Provider: got %q, want graph", cfg.Forward.Provider)
	}
	if !cfg.GraphConfigured() || cfg.Graph.Sender != "relay@example.org" {
		t.Errorf("Graph: got %+v", cfg.Graph)
	}
}

func TestLoad_InvalidNumbersIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("SMTP_MAX_MESSAGE_SIZE", "not-a-number")
	t.Setenv("SMTP_IDLE_TIMEOUT", "forever")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SMTP.MaxMessageSize != defaultMaxMessageSize {
		t.Errorf("SMTP.MaxMessageSize: got %d, want default", cfg.SMTP.MaxMessageSize)
	}
	if cfg.SMTP.IdleTimeout != 5*time.Minute {
		t.Errorf("SMTP.IdleTimeout: got %v, want default", cfg.SMTP.IdleTimeout)
	}
}
