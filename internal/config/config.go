// ABOUTME: Configuration loading and parsing for atoll-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete atoll-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Hub       HubConfig       `yaml:"hub"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CatalogConfig holds city catalog configuration
type CatalogConfig struct {
	Path string `yaml:"path"`
	// ReservedTop is how many of the most populous cities are reserved
	// for administrative assignment. -1 means use the default.
	ReservedTop int `yaml:"reserved_top"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	AgentTokenTTL time.Duration `yaml:"-"`
	AdminTokenTTL time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	AgentTokenTTLRaw string `yaml:"agent_token_ttl"`
	AdminTokenTTLRaw string `yaml:"admin_token_ttl"`
}

// LimitsConfig holds rate limiter configuration
type LimitsConfig struct {
	RequestsPerWindow int `yaml:"requests_per_window"`

	Window time.Duration `yaml:"-"`

	WindowRaw string `yaml:"window"`
}

// LifecycleConfig holds inactivity sweep configuration
type LifecycleConfig struct {
	InactivityThreshold time.Duration `yaml:"-"`
	WarningLead         time.Duration `yaml:"-"`

	InactivityThresholdRaw string `yaml:"inactivity_threshold"`
	WarningLeadRaw         string `yaml:"warning_lead"`
}

// HubConfig holds broadcast hub configuration
type HubConfig struct {
	BufferSize int `yaml:"buffer_size"`

	KeepaliveInterval time.Duration `yaml:"-"`

	KeepaliveIntervalRaw string `yaml:"keepalive_interval"`
}

// SchedulerConfig holds cron cadences for background jobs
type SchedulerConfig struct {
	SweepSchedule   string `yaml:"sweep_schedule"`
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied after parsing when the file leaves a field unset.
const (
	DefaultHTTPAddr            = ":8080"
	DefaultAgentTokenTTL       = 30 * 24 * time.Hour
	DefaultAdminTokenTTL       = 12 * time.Hour
	DefaultRequestsPerWindow   = 60
	DefaultRateWindow          = time.Minute
	DefaultInactivityThreshold = 7 * 24 * time.Hour
	DefaultWarningLead         = 2 * 24 * time.Hour
	DefaultHubBuffer           = 64
	DefaultKeepaliveInterval   = 25 * time.Second
	DefaultSweepSchedule       = "0 3 * * *"
	DefaultCleanupSchedule     = "@hourly"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	cfg.Catalog.ReservedTop = -1
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Auth.AgentTokenTTL == 0 {
		c.Auth.AgentTokenTTL = DefaultAgentTokenTTL
	}
	if c.Auth.AdminTokenTTL == 0 {
		c.Auth.AdminTokenTTL = DefaultAdminTokenTTL
	}
	if c.Limits.RequestsPerWindow == 0 {
		c.Limits.RequestsPerWindow = DefaultRequestsPerWindow
	}
	if c.Limits.Window == 0 {
		c.Limits.Window = DefaultRateWindow
	}
	if c.Lifecycle.InactivityThreshold == 0 {
		c.Lifecycle.InactivityThreshold = DefaultInactivityThreshold
	}
	if c.Lifecycle.WarningLead == 0 {
		c.Lifecycle.WarningLead = DefaultWarningLead
	}
	if c.Hub.BufferSize == 0 {
		c.Hub.BufferSize = DefaultHubBuffer
	}
	if c.Hub.KeepaliveInterval == 0 {
		c.Hub.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.Scheduler.SweepSchedule == "" {
		c.Scheduler.SweepSchedule = DefaultSweepSchedule
	}
	if c.Scheduler.CleanupSchedule == "" {
		c.Scheduler.CleanupSchedule = DefaultCleanupSchedule
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 characters")
	}
	if c.Limits.RequestsPerWindow < 0 {
		return fmt.Errorf("limits.requests_per_window must not be negative")
	}
	if c.Lifecycle.WarningLead >= c.Lifecycle.InactivityThreshold {
		return fmt.Errorf("lifecycle.warning_lead must be shorter than lifecycle.inactivity_threshold")
	}
	if c.Hub.BufferSize < 0 {
		return fmt.Errorf("hub.buffer_size must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.agent_token_ttl", cfg.Auth.AgentTokenTTLRaw, &cfg.Auth.AgentTokenTTL},
		{"auth.admin_token_ttl", cfg.Auth.AdminTokenTTLRaw, &cfg.Auth.AdminTokenTTL},
		{"limits.window", cfg.Limits.WindowRaw, &cfg.Limits.Window},
		{"lifecycle.inactivity_threshold", cfg.Lifecycle.InactivityThresholdRaw, &cfg.Lifecycle.InactivityThreshold},
		{"lifecycle.warning_lead", cfg.Lifecycle.WarningLeadRaw, &cfg.Lifecycle.WarningLead},
		{"hub.keepalive_interval", cfg.Hub.KeepaliveIntervalRaw, &cfg.Hub.KeepaliveInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
