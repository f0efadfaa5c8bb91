package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches standard locations for
// aegisgate.yaml/.yml. The search requires an explicit YAML extension so
// the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("aegisgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AEGISGATE_TOKEN_SECRET overrides token.secret
	viper.SetEnvPrefix("AEGISGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an aegisgate config file
// with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".aegisgate"),
		"/etc/aegisgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "aegisgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// overrides.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("store.backend")
	_ = viper.BindEnv("store.path")
	_ = viper.BindEnv("store.sweep_interval")

	_ = viper.BindEnv("token.secret")
	_ = viper.BindEnv("token.issuer")
	_ = viper.BindEnv("token.audience")
	_ = viper.BindEnv("token.access_ttl")
	_ = viper.BindEnv("token.refresh_ttl")
	_ = viper.BindEnv("token.leeway")

	_ = viper.BindEnv("session.timeout")

	_ = viper.BindEnv("threat.brute_force_window")
	_ = viper.BindEnv("threat.novelty_ttl")
	_ = viper.BindEnv("threat.high_ip_block")
	_ = viper.BindEnv("threat.critical_ip_block")
	_ = viper.BindEnv("threat.critical_identity_block")

	_ = viper.BindEnv("audit.output")
	_ = viper.BindEnv("audit.dir")
	_ = viper.BindEnv("audit.retention_days")

	_ = viper.BindEnv("catalog.path")

	_ = viper.BindEnv("failure_policy.auth_fail_open")
	_ = viper.BindEnv("failure_policy.ratelimit_fail_closed")

	_ = viper.BindEnv("telemetry.enabled")
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, and validates the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: run on env vars and defaults alone.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or ""
// when running without one.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
