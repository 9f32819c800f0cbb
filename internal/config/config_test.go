// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "local", cfg.Backend)
	assert.Equal(t, 100_000, cfg.Quota.MonthlyTokenBudget)
	assert.False(t, cfg.ShareJourneyData)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Quota, cfg.Quota)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend = "remote"
share_journey_data = true

[remote]
base_url = "https://coach.example.com"
client_id = "abc123"

[quota]
monthly_token_budget = 50000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.Backend)
	assert.True(t, cfg.ShareJourneyData)
	assert.Equal(t, "https://coach.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 50_000, cfg.Quota.MonthlyTokenBudget)
	// Untouched sections keep defaults.
	assert.Equal(t, "llama3.2:3b", cfg.Local.Model)
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`backend = "local"`), 0o644))

	t.Setenv("COACHKIT_BACKEND", "remote")
	t.Setenv("COACHKIT_REMOTE_URL", "https://env.example.com")
	t.Setenv("COACHKIT_MONTHLY_TOKEN_BUDGET", "42000")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.Backend)
	assert.Equal(t, "https://env.example.com", cfg.Remote.BaseURL)
	assert.Equal(t, 42_000, cfg.Quota.MonthlyTokenBudget)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"unknown backend", func(c *Config) { c.Backend = "mainframe" }, "unknown backend"},
		{"remote without url", func(c *Config) { c.Backend = "remote"; c.Remote.BaseURL = "" }, "base_url"},
		{"zero budget", func(c *Config) { c.Quota.MonthlyTokenBudget = 0 }, "monthly_token_budget"},
		{"threshold too high", func(c *Config) { c.Quota.WarningThreshold = 1.5 }, "warning_threshold"},
		{"temperature out of range", func(c *Config) { c.Remote.Temperature = 3 }, "temperature"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	cfg := DefaultConfig()
	cfg.Backend = "local"
	cfg.Local.Model = "custom-model"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", loaded.Local.Model)
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Local.LoadTimeout())
	assert.Equal(t, 60*time.Second, cfg.Remote.Timeout())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`backend = "local"`), 0o644))

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, nil, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`
backend = "local"
share_journey_data = true
`), 0o644))

	select {
	case cfg := <-changed:
		assert.True(t, cfg.ShareJourneyData)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not fire")
	}
}

func TestWatcherIgnoresInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`backend = "local"`), 0o644))

	changed := make(chan *Config, 1)
	w, err := NewWatcher(path, nil, func(cfg *Config) { changed <- cfg })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`backend = "mainframe"`), 0o644))

	select {
	case <-changed:
		t.Fatal("invalid config must not trigger the callback")
	case <-time.After(time.Second):
	}
}
