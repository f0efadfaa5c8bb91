package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	c := &Config{}
	c.Token.Secret = "0123456789abcdef0123456789abcdef"
	c.SetDefaults()
	return c
}

func TestSetDefaults(t *testing.T) {
	t.Parallel()

	c := validConfig()

	if c.Server.Addr != ":8470" {
		t.Errorf("Addr = %q, want :8470", c.Server.Addr)
	}
	if c.Store.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", c.Store.Backend)
	}
	if c.Token.AccessTTL != 30*time.Minute {
		t.Errorf("AccessTTL = %v, want 30m", c.Token.AccessTTL)
	}
	if c.Token.RefreshTTL != 720*time.Hour {
		t.Errorf("RefreshTTL = %v, want 720h", c.Token.RefreshTTL)
	}
	if c.Threat.Weights.BruteForce != 0.3 {
		t.Errorf("brute force weight = %g, want 0.3", c.Threat.Weights.BruteForce)
	}
	if c.Audit.Output != "memory" || c.Audit.RetentionDays != 30 {
		t.Errorf("audit defaults = %q/%d, want memory/30", c.Audit.Output, c.Audit.RetentionDays)
	}
	if c.FailurePolicy.AuthFailOpen || c.FailurePolicy.RateLimitFailClosed {
		t.Error("failure policy defaults changed: want auth closed, rate limit open")
	}
}

func TestSetDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()

	c := &Config{}
	c.Server.Addr = "127.0.0.1:9000"
	c.Store.Backend = "sqlite"
	c.Store.Path = "/tmp/aegisgate.db"
	c.Token.Secret = "0123456789abcdef0123456789abcdef"
	c.SetDefaults()

	if c.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("Addr = %q, want explicit value kept", c.Server.Addr)
	}
	if c.Store.Backend != "sqlite" {
		t.Errorf("Backend = %q, want sqlite", c.Store.Backend)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing token secret",
			mutate:  func(c *Config) { c.Token.Secret = "" },
			wantErr: "invalid configuration",
		},
		{
			name:    "short token secret",
			mutate:  func(c *Config) { c.Token.Secret = "too-short" },
			wantErr: "invalid configuration",
		},
		{
			name:    "unknown store backend",
			mutate:  func(c *Config) { c.Store.Backend = "redis" },
			wantErr: "invalid configuration",
		},
		{
			name:    "sqlite backend without path",
			mutate:  func(c *Config) { c.Store.Backend = "sqlite" },
			wantErr: "invalid configuration",
		},
		{
			name:    "file audit without dir",
			mutate:  func(c *Config) { c.Audit.Output = "file" },
			wantErr: "invalid configuration",
		},
		{
			name:    "bad listen address",
			mutate:  func(c *Config) { c.Server.Addr = "no-port" },
			wantErr: "invalid configuration",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "invalid configuration",
		},
		{
			name: "weights do not sum to one",
			mutate: func(c *Config) {
				c.Threat.Weights = WeightsConfig{IPReputation: 0.5, BruteForce: 0.5, LocationNovelty: 0.5, UANovelty: 0.5}
			},
			wantErr: "must sum to 1",
		},
		{
			name:    "weight out of range",
			mutate:  func(c *Config) { c.Threat.Weights.BruteForce = 1.5 },
			wantErr: "invalid configuration",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c := validConfig()
			tc.mutate(c)

			err := c.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
