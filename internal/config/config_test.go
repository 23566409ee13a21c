// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// validConfig returns a configuration that passes Validate.
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/aegis-test"
	cfg.Security.Whitelist = []int64{42}
	cfg.Security.PIN = "482913"
	cfg.Security.MasterPassphrase = "correct-horse-battery-staple-16"
	return cfg
}

func TestValidateAcceptsCompleteConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty whitelist", func(c *Config) { c.Security.Whitelist = nil }, "security.whitelist"},
		{"short pin", func(c *Config) { c.Security.PIN = "123" }, "security.pin"},
		{"short passphrase", func(c *Config) { c.Security.MasterPassphrase = "too-short" }, "security.master_passphrase"},
		{"zero timeout", func(c *Config) { c.Security.SessionTimeoutMinutes = 0 }, "security.session_timeout_minutes"},
		{"zero threshold", func(c *Config) { c.Security.LockoutThreshold = 0 }, "security.lockout_threshold"},
		{"zero base", func(c *Config) { c.Security.LockoutBaseMinutes = 0 }, "security.lockout_base_minutes"},
		{"zero rate", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, "rate_limit.requests_per_minute"},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
data_dir = "` + dir + `"

[security]
whitelist = [42, 7]
pin = "482913"
master_passphrase = "correct-horse-battery-staple-16"
session_timeout_minutes = 30

[rate_limit]
requests_per_minute = 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, []int64{42, 7}, cfg.Security.Whitelist)
	require.Equal(t, "482913", cfg.Security.PIN)
	require.Equal(t, 30, cfg.Security.SessionTimeoutMinutes)
	require.Equal(t, 5, cfg.RateLimit.RequestsPerMinute)

	// Defaults fill unspecified fields.
	require.Equal(t, DefaultLockoutThreshold, cfg.Security.LockoutThreshold)
	require.Equal(t, DefaultLockoutBaseMinutes, cfg.Security.LockoutBaseMinutes)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	// Parses fine but fails validation: passphrase too short.
	content := `
data_dir = "` + dir + `"

[security]
whitelist = [42]
pin = "482913"
master_passphrase = "short"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "master_passphrase")
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
data_dir = "` + dir + `"

[security]
whitelist = [42]
pin = "482913"
master_passphrase = "correct-horse-battery-staple-16"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("AEGIS_PIN", "998877")
	t.Setenv("AEGIS_WHITELIST", "1, 2, 3")
	t.Setenv("AEGIS_SESSION_TIMEOUT_MINUTES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "998877", cfg.Security.PIN)
	require.Equal(t, []int64{1, 2, 3}, cfg.Security.Whitelist)
	require.Equal(t, 5, cfg.Security.SessionTimeoutMinutes)
}

func TestWhitelisted(t *testing.T) {
	cfg := validConfig()
	require.True(t, cfg.Security.Whitelisted(42))
	require.False(t, cfg.Security.Whitelisted(7))
}
