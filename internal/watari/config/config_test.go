package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("MATRIX_HOMESERVER_URL", "https://matrix.example.org")
	t.Setenv("MATRIX_BOT_USER", "watari")
	t.Setenv("MATRIX_BOT_PASSWORD", "pw")
	t.Setenv("MATRIX_ADMIN_USER", "admin")
	t.Setenv("MATRIX_ADMIN_PASSWORD", "admin-pw")
	t.Setenv("AGENT_SERVICE_URL", "https://letta.example.org")
}

func TestLoad_EnvOnly(t *testing.T) {
	setRequired(t)
	t.Setenv("RECONCILE_INTERVAL_S", "30")
	t.Setenv("LIVE_EDIT_MODE", "true")
	t.Setenv("DISABLED_AGENT_IDS", "agent-x, agent-y")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("interval = %v", cfg.ReconcileInterval)
	}
	if !cfg.LiveEditMode {
		t.Error("live edit mode not enabled")
	}
	if !cfg.StreamingEnabled {
		t.Error("streaming should default to enabled")
	}
	set := cfg.DisabledSet()
	if !set["agent-x"] || !set["agent-y"] {
		t.Errorf("disabled set = %v", set)
	}
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "watari.yaml")
	yaml := `
database_url: /data/from-file.db
http_addr: ":8080"
total_timeout: 90s
core_users:
  - "@boss:example.org"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("WATARI_CONFIG", path)
	t.Setenv("DATABASE_URL", "/data/from-env.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DatabaseURL != "/data/from-env.db" {
		t.Errorf("env did not override file: %q", cfg.DatabaseURL)
	}
	if cfg.HTTPAddr != ":8080" || cfg.TotalTimeout != 90*time.Second {
		t.Errorf("file values lost: addr=%q timeout=%v", cfg.HTTPAddr, cfg.TotalTimeout)
	}
	if len(cfg.CoreUsers) != 1 || cfg.CoreUsers[0] != "@boss:example.org" {
		t.Errorf("core users = %v", cfg.CoreUsers)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing homeserver", func(c *Config) { c.MatrixHomeserverURL = "" }, "MATRIX_HOMESERVER_URL"},
		{"missing bot password", func(c *Config) { c.MatrixBotPassword = "" }, "MATRIX_BOT_PASSWORD"},
		{"missing admin user", func(c *Config) { c.MatrixAdminUser = "" }, "MATRIX_ADMIN_USER"},
		{"missing admin password", func(c *Config) { c.MatrixAdminPassword = "" }, "MATRIX_ADMIN_PASSWORD"},
		{"missing agent service", func(c *Config) { c.AgentServiceURL = "" }, "AGENT_SERVICE_URL"},
		{"zero timeout", func(c *Config) { c.TotalTimeout = 0 }, "timeouts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				MatrixHomeserverURL: "https://m.example.org",
				MatrixBotUser:       "watari",
				MatrixBotPassword:   "pw",
				MatrixAdminUser:     "admin",
				MatrixAdminPassword: "admin-pw",
				AgentServiceURL:     "https://l.example.org",
				DatabaseURL:         "watari.db",
				ReconcileInterval:   time.Minute,
				TotalTimeout:        time.Minute,
				IdleTimeout:         time.Minute,
			}
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}
