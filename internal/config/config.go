// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for coachkit.
//
// TOML file with sensible defaults, environment variable overrides, and
// validation. File location defaults to ~/.coachkit/config.toml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lightertomorrow/coachkit/internal/backend"
)

// envPrefix is prepended to every environment override.
const envPrefix = "COACHKIT_"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete coachkit configuration.
type Config struct {
	// DataDir holds the databases, quota state, and logs.
	DataDir string `toml:"data_dir"`

	// Backend selects the active backend at startup: "local" or "remote".
	Backend string `toml:"backend"`

	// ShareJourneyData gates whether journey facts are included in coach
	// context. Off by default.
	ShareJourneyData bool `toml:"share_journey_data"`

	Local   LocalConfig   `toml:"local"`
	Remote  RemoteConfig  `toml:"remote"`
	Quota   QuotaConfig   `toml:"quota"`
	Logging LoggingConfig `toml:"logging"`
}

// LocalConfig configures the on-device backend.
type LocalConfig struct {
	RuntimeURL      string `toml:"runtime_url"`
	Model           string `toml:"model"`
	LoadTimeoutSecs int    `toml:"load_timeout_secs"`
}

// RemoteConfig configures the cloud backend.
type RemoteConfig struct {
	BaseURL           string  `toml:"base_url"`
	ClientID          string  `toml:"client_id"`
	MaxTokens         int     `toml:"max_tokens"`
	Temperature       float64 `toml:"temperature"`
	TimeoutSecs       int     `toml:"timeout_secs"`
	MaxRetries        int     `toml:"max_retries"`
	RequestsPerMinute int     `toml:"requests_per_minute"`
}

// QuotaConfig configures the monthly usage budget.
type QuotaConfig struct {
	MonthlyTokenBudget int     `toml:"monthly_token_budget"`
	WarningThreshold   float64 `toml:"warning_threshold"`
}

// LoggingConfig configures file logging.
type LoggingConfig struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   bool   `toml:"compress"`
	Console    bool   `toml:"console"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir: filepath.Join(home, ".coachkit"),
		Backend: backend.KindLocal.String(),
		Local: LocalConfig{
			RuntimeURL:      "http://localhost:11434",
			Model:           "llama3.2:3b",
			LoadTimeoutSecs: 30,
		},
		Remote: RemoteConfig{
			MaxTokens:         2000,
			Temperature:       0.7,
			TimeoutSecs:       60,
			MaxRetries:        3,
			RequestsPerMinute: 30,
		},
		Quota: QuotaConfig{
			MonthlyTokenBudget: 100_000,
			WarningThreshold:   0.80,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".coachkit", "config.toml")
}

// Load reads the config at path, layering file values over defaults and
// environment overrides over both. A missing file is not an error; defaults
// apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers COACHKIT_* environment variables over the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(envPrefix + "BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(envPrefix + "SHARE_JOURNEY_DATA"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.ShareJourneyData = parsed
		}
	}
	if v := os.Getenv(envPrefix + "RUNTIME_URL"); v != "" {
		cfg.Local.RuntimeURL = v
	}
	if v := os.Getenv(envPrefix + "MODEL"); v != "" {
		cfg.Local.Model = v
	}
	if v := os.Getenv(envPrefix + "REMOTE_URL"); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := os.Getenv(envPrefix + "CLIENT_ID"); v != "" {
		cfg.Remote.ClientID = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "MONTHLY_TOKEN_BUDGET"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Quota.MonthlyTokenBudget = parsed
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the config for values that cannot work at runtime.
func (c *Config) Validate() error {
	if !backend.Kind(c.Backend).Valid() {
		return fmt.Errorf("config: unknown backend %q (expected %q or %q)",
			c.Backend, backend.KindLocal, backend.KindRemote)
	}
	if c.Backend == backend.KindRemote.String() && strings.TrimSpace(c.Remote.BaseURL) == "" {
		return fmt.Errorf("config: remote backend selected but remote.base_url is empty")
	}
	if c.Quota.MonthlyTokenBudget <= 0 {
		return fmt.Errorf("config: quota.monthly_token_budget must be positive")
	}
	if c.Quota.WarningThreshold <= 0 || c.Quota.WarningThreshold >= 1 {
		return fmt.Errorf("config: quota.warning_threshold must be between 0 and 1")
	}
	if c.Remote.Temperature < 0 || c.Remote.Temperature > 2 {
		return fmt.Errorf("config: remote.temperature must be between 0 and 2")
	}
	return nil
}

// Save writes the config as TOML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// LoadTimeout returns the local load timeout as a duration.
func (c *LocalConfig) LoadTimeout() time.Duration {
	return time.Duration(c.LoadTimeoutSecs) * time.Second
}

// Timeout returns the remote request timeout as a duration.
func (c *RemoteConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}
