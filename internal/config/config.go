// Package config provides configuration types and loading for AegisGate.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level AegisGate configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store selects and configures the shared session/counter store.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Token configures signing and lifetimes for session tokens.
	Token TokenConfig `yaml:"token" mapstructure:"token" validate:"required"`

	// Session configures login session behavior.
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Threat configures the analyzer weights and block durations.
	Threat ThreatConfig `yaml:"threat" mapstructure:"threat"`

	// Audit configures the security event sink.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Catalog is an optional permission catalog file overriding the
	// built-in defaults.
	Catalog CatalogConfig `yaml:"catalog" mapstructure:"catalog"`

	// FailurePolicy is the asymmetric store-outage policy. The defaults
	// (auth closed, rate limit open) are a deliberate security tradeoff.
	FailurePolicy FailurePolicyConfig `yaml:"failure_policy" mapstructure:"failure_policy"`

	// Telemetry toggles OpenTelemetry stdout export.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address. Default ":8470".
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`
	// LogLevel is debug, info, warn, or error. Default "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	// ShutdownTimeout bounds graceful shutdown. Default 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite". Default "memory".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite"`
	// Path is the sqlite database file, required for the sqlite backend.
	Path string `yaml:"path" mapstructure:"path" validate:"required_if=Backend sqlite"`
	// SweepInterval is how often expired entries are swept. Default 1m.
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// TokenConfig configures token signing and lifetimes.
type TokenConfig struct {
	// Secret is the HMAC signing secret. Required, minimum 32 bytes.
	Secret string `yaml:"secret" mapstructure:"secret" validate:"required,min=32"`
	// Issuer is the iss claim. Default "aegisgate".
	Issuer string `yaml:"issuer" mapstructure:"issuer"`
	// Audience is the aud claim. Default "aegisgate".
	Audience string `yaml:"audience" mapstructure:"audience"`
	// AccessTTL is the access token lifetime. Default 30m.
	AccessTTL time.Duration `yaml:"access_ttl" mapstructure:"access_ttl"`
	// RefreshTTL is the refresh token lifetime. Default 720h.
	RefreshTTL time.Duration `yaml:"refresh_ttl" mapstructure:"refresh_ttl"`
	// Leeway is the clock-skew tolerance for exp/nbf. Default 30s.
	Leeway time.Duration `yaml:"leeway" mapstructure:"leeway"`
}

// SessionConfig configures login sessions.
type SessionConfig struct {
	// Timeout is the session idle expiry. Default 30m.
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// ThreatConfig configures the analyzer.
type ThreatConfig struct {
	// Weights over the four signals; must sum to 1.
	Weights WeightsConfig `yaml:"weights" mapstructure:"weights"`
	// BruteForceWindow is the trailing failure-counter TTL. Default 15m.
	BruteForceWindow time.Duration `yaml:"brute_force_window" mapstructure:"brute_force_window"`
	// NoveltyTTL is the known-location/UA rolling expiry. Default 720h.
	NoveltyTTL time.Duration `yaml:"novelty_ttl" mapstructure:"novelty_ttl"`
	// HighIPBlock is the IP cool-down at High severity. Default 1h.
	HighIPBlock time.Duration `yaml:"high_ip_block" mapstructure:"high_ip_block"`
	// CriticalIPBlock is the IP cool-down at Critical severity. Default 4h.
	CriticalIPBlock time.Duration `yaml:"critical_ip_block" mapstructure:"critical_ip_block"`
	// CriticalIdentityBlock is the identity cool-down at Critical
	// severity. Default 1h.
	CriticalIdentityBlock time.Duration `yaml:"critical_identity_block" mapstructure:"critical_identity_block"`
}

// WeightsConfig holds the signal weights.
type WeightsConfig struct {
	IPReputation    float64 `yaml:"ip_reputation" mapstructure:"ip_reputation" validate:"gte=0,lte=1"`
	BruteForce      float64 `yaml:"brute_force" mapstructure:"brute_force" validate:"gte=0,lte=1"`
	LocationNovelty float64 `yaml:"location_novelty" mapstructure:"location_novelty" validate:"gte=0,lte=1"`
	UANovelty       float64 `yaml:"ua_novelty" mapstructure:"ua_novelty" validate:"gte=0,lte=1"`
}

// AuditConfig configures the security event sink.
type AuditConfig struct {
	// Output is "memory" or "file". Default "memory".
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,oneof=memory file"`
	// Dir is the event file directory, required for the file output.
	Dir string `yaml:"dir" mapstructure:"dir" validate:"required_if=Output file"`
	// RetentionDays is how long rotated event files are kept. Default 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,gte=1"`
}

// CatalogConfig points at an optional catalog override file.
type CatalogConfig struct {
	// Path to a YAML catalog merged over the built-in defaults.
	Path string `yaml:"path" mapstructure:"path"`
}

// FailurePolicyConfig exposes the asymmetric fail policy.
type FailurePolicyConfig struct {
	// AuthFailOpen skips the block gate on store exhaustion. Default
	// false: authentication fails closed.
	AuthFailOpen bool `yaml:"auth_fail_open" mapstructure:"auth_fail_open"`
	// RateLimitFailClosed denies on rate counter store errors. Default
	// false: rate limiting fails open.
	RateLimitFailClosed bool `yaml:"ratelimit_fail_closed" mapstructure:"ratelimit_fail_closed"`
}

// TelemetryConfig toggles OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns on stdout trace/metric export. Default false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults fills zero values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8470"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.SweepInterval == 0 {
		c.Store.SweepInterval = time.Minute
	}
	if c.Token.Issuer == "" {
		c.Token.Issuer = "aegisgate"
	}
	if c.Token.Audience == "" {
		c.Token.Audience = "aegisgate"
	}
	if c.Token.AccessTTL == 0 {
		c.Token.AccessTTL = 30 * time.Minute
	}
	if c.Token.RefreshTTL == 0 {
		c.Token.RefreshTTL = 30 * 24 * time.Hour
	}
	if c.Token.Leeway == 0 {
		c.Token.Leeway = 30 * time.Second
	}
	if c.Session.Timeout == 0 {
		c.Session.Timeout = 30 * time.Minute
	}
	zero := WeightsConfig{}
	if c.Threat.Weights == zero {
		c.Threat.Weights = WeightsConfig{
			IPReputation:    0.3,
			BruteForce:      0.3,
			LocationNovelty: 0.2,
			UANovelty:       0.2,
		}
	}
	if c.Threat.BruteForceWindow == 0 {
		c.Threat.BruteForceWindow = 15 * time.Minute
	}
	if c.Threat.NoveltyTTL == 0 {
		c.Threat.NoveltyTTL = 30 * 24 * time.Hour
	}
	if c.Threat.HighIPBlock == 0 {
		c.Threat.HighIPBlock = time.Hour
	}
	if c.Threat.CriticalIPBlock == 0 {
		c.Threat.CriticalIPBlock = 4 * time.Hour
	}
	if c.Threat.CriticalIdentityBlock == 0 {
		c.Threat.CriticalIdentityBlock = time.Hour
	}
	if c.Audit.Output == "" {
		c.Audit.Output = "memory"
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 30
	}
}

// Validate checks the configuration with struct tags plus cross-field
// rules the tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	sum := c.Threat.Weights.IPReputation + c.Threat.Weights.BruteForce +
		c.Threat.Weights.LocationNovelty + c.Threat.Weights.UANovelty
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("threat weights must sum to 1, got %g", sum)
	}

	return nil
}
