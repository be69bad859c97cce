// Package config assembles the bridge configuration from an optional YAML
// file plus environment variables. Environment values always win, so a
// containerised deployment can override a baked-in config file key by key.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajisai/watari/common/environment"
)

// Defaults for tunables left unset.
const (
	DefaultReconcileInterval = 60 * time.Second
	DefaultSoftDeleteGrace   = 2 * time.Hour
	DefaultDedupeTTL         = time.Hour
	DefaultTotalTimeout      = 120 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultDatabaseURL       = "watari.db"
)

// Config is the complete runtime configuration.
type Config struct {
	MatrixHomeserverURL string `yaml:"matrix_homeserver_url"`
	MatrixBotUser       string `yaml:"matrix_bot_user"`
	MatrixBotPassword   string `yaml:"matrix_bot_password"`
	MatrixAdminUser     string `yaml:"matrix_admin_user"`
	MatrixAdminPassword string `yaml:"matrix_admin_password"`
	// RegistrationSharedSecret enables Synapse shared-secret registration for
	// agent users; without it the bridge falls back to open registration.
	RegistrationSharedSecret string `yaml:"registration_shared_secret"`

	AgentServiceURL   string `yaml:"agent_service_url"`
	AgentServiceToken string `yaml:"agent_service_token"`

	DatabaseURL string `yaml:"database_url"`
	HTTPAddr    string `yaml:"http_addr"`

	WebhookSecret string `yaml:"webhook_secret"`
	AlertURL      string `yaml:"alert_url"`
	AlertTopic    string `yaml:"alert_topic"`

	// CoreUsers are invited into every agent room alongside the bot and
	// admin.
	CoreUsers        []string `yaml:"core_users"`
	DisabledAgentIDs []string `yaml:"disabled_agent_ids"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	SoftDeleteGrace   time.Duration `yaml:"soft_delete_grace"`
	DedupeTTL         time.Duration `yaml:"dedupe_ttl"`
	TotalTimeout      time.Duration `yaml:"total_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`

	StreamingEnabled bool `yaml:"streaming_enabled"`
	LiveEditMode     bool `yaml:"live_edit_mode"`
}

// Load builds the configuration: defaults, then the YAML file named by
// WATARI_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:       DefaultDatabaseURL,
		ReconcileInterval: DefaultReconcileInterval,
		SoftDeleteGrace:   DefaultSoftDeleteGrace,
		DedupeTTL:         DefaultDedupeTTL,
		TotalTimeout:      DefaultTotalTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		StreamingEnabled:  true,
	}

	if path, ok := environment.String("WATARI_CONFIG"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.MatrixHomeserverURL = environment.StringOr("MATRIX_HOMESERVER_URL", c.MatrixHomeserverURL)
	c.MatrixBotUser = environment.StringOr("MATRIX_BOT_USER", c.MatrixBotUser)
	c.MatrixBotPassword = environment.StringOr("MATRIX_BOT_PASSWORD", c.MatrixBotPassword)
	c.MatrixAdminUser = environment.StringOr("MATRIX_ADMIN_USER", c.MatrixAdminUser)
	c.MatrixAdminPassword = environment.StringOr("MATRIX_ADMIN_PASSWORD", c.MatrixAdminPassword)
	c.RegistrationSharedSecret = environment.StringOr("REGISTRATION_SHARED_SECRET", c.RegistrationSharedSecret)

	c.AgentServiceURL = environment.StringOr("AGENT_SERVICE_URL", c.AgentServiceURL)
	c.AgentServiceToken = environment.StringOr("AGENT_SERVICE_TOKEN", c.AgentServiceToken)

	c.DatabaseURL = environment.StringOr("DATABASE_URL", c.DatabaseURL)
	c.HTTPAddr = environment.StringOr("HTTP_ADDR", c.HTTPAddr)

	c.WebhookSecret = environment.StringOr("WEBHOOK_SECRET", c.WebhookSecret)
	c.AlertURL = environment.StringOr("ALERT_URL", c.AlertURL)
	c.AlertTopic = environment.StringOr("ALERT_TOPIC", c.AlertTopic)

	c.CoreUsers = environment.StringSliceOr("CORE_USERS", c.CoreUsers)
	c.DisabledAgentIDs = environment.StringSliceOr("DISABLED_AGENT_IDS", c.DisabledAgentIDs)

	c.ReconcileInterval = environment.SecondsOr("RECONCILE_INTERVAL_S", c.ReconcileInterval)
	c.SoftDeleteGrace = environment.SecondsOr("SOFT_DELETE_GRACE_S", c.SoftDeleteGrace)
	c.DedupeTTL = environment.SecondsOr("DEDUPE_TTL_S", c.DedupeTTL)
	c.TotalTimeout = environment.SecondsOr("TOTAL_TIMEOUT_S", c.TotalTimeout)
	c.IdleTimeout = environment.SecondsOr("IDLE_TIMEOUT_S", c.IdleTimeout)

	c.StreamingEnabled = environment.BoolOr("STREAMING_ENABLED", c.StreamingEnabled)
	c.LiveEditMode = environment.BoolOr("LIVE_EDIT_MODE", c.LiveEditMode)
}

// Validate checks the settings the bridge cannot start without. The first
// problem found is returned.
func (c *Config) Validate() error {
	if c.MatrixHomeserverURL == "" {
		return fmt.Errorf("config: MATRIX_HOMESERVER_URL is required")
	}
	if c.MatrixBotUser == "" {
		return fmt.Errorf("config: MATRIX_BOT_USER is required")
	}
	if c.MatrixBotPassword == "" {
		return fmt.Errorf("config: MATRIX_BOT_PASSWORD is required")
	}
	if c.MatrixAdminUser == "" {
		return fmt.Errorf("config: MATRIX_ADMIN_USER is required")
	}
	if c.MatrixAdminPassword == "" {
		return fmt.Errorf("config: MATRIX_ADMIN_PASSWORD is required")
	}
	if c.AgentServiceURL == "" {
		return fmt.Errorf("config: AGENT_SERVICE_URL is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL must not be empty")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("config: reconcile interval must be positive")
	}
	if c.SoftDeleteGrace < 0 {
		return fmt.Errorf("config: soft-delete grace must not be negative")
	}
	if c.TotalTimeout <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

// DisabledSet returns the disabled agent IDs as a lookup set.
func (c *Config) DisabledSet() map[string]bool {
	if len(c.DisabledAgentIDs) == 0 {
		return nil
	}
	set := make(map[string]bool, len(c.DisabledAgentIDs))
	for _, id := range c.DisabledAgentIDs {
		set[id] = true
	}
	return set
}
