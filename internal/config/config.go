// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading for the aegisbridge security
// core.
//
// Configuration is read once at startup from a TOML file, overridden by
// AEGIS_* environment variables, and validated before any component is
// constructed. A misconfigured passphrase or PIN is a startup failure, never
// a runtime surprise.
//
// Configuration file locations (in order of precedence):
//   - path passed to Load
//   - ~/.aegisbridge/config.toml
//   - built-in defaults (which never validate: there is no default PIN)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// MinPassphraseLength is the minimum length of the master passphrase.
	// Anything shorter is a configuration error, rejected at startup.
	MinPassphraseLength = 16

	// MinPINLength is the minimum length of the access PIN.
	MinPINLength = 4

	// DefaultSessionTimeoutMinutes is the inactivity timeout for sessions.
	DefaultSessionTimeoutMinutes = 60

	// DefaultRequestsPerMinute is the per-identity rate limit.
	DefaultRequestsPerMinute = 20

	// DefaultLockoutThreshold is the failed-attempt count that triggers a
	// lockout window.
	DefaultLockoutThreshold = 5

	// DefaultLockoutBaseMinutes is the first lockout window; subsequent
	// windows grow exponentially up to 24 hours.
	DefaultLockoutBaseMinutes = 15
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete aegisbridge configuration.
type Config struct {
	// DataDir is the directory holding the session snapshot, lockout state,
	// audit log, and usage ledger. Created 0700 on first use.
	DataDir string `toml:"data_dir"`

	// Security holds authentication and encryption settings.
	Security SecurityConfig `toml:"security"`

	// RateLimit holds admission-control settings.
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// SecurityConfig holds authentication and encryption settings.
type SecurityConfig struct {
	// Whitelist is the fixed set of identities permitted to interact with
	// the bridge at all. Exactly one deployment, one whitelist.
	Whitelist []int64 `toml:"whitelist"`

	// PIN is the shared access PIN. Compared in constant time.
	PIN string `toml:"pin"`

	// MasterPassphrase seeds the cipher engine key derivation.
	// Minimum 16 characters.
	MasterPassphrase string `toml:"master_passphrase"`

	// TOTPSecret, when set, requires a TOTP code after a correct PIN
	// before a session becomes usable. Base32, as issued by an
	// authenticator app enrollment.
	TOTPSecret string `toml:"totp_secret"`

	// SessionTimeoutMinutes is the inactivity timeout for sessions.
	SessionTimeoutMinutes int `toml:"session_timeout_minutes"`

	// LockoutThreshold is the failed-attempt count before lockout.
	LockoutThreshold int `toml:"lockout_threshold"`

	// LockoutBaseMinutes is the initial lockout window in minutes.
	LockoutBaseMinutes int `toml:"lockout_base_minutes"`

	// DefaultWorkingContext is the working directory assigned to a fresh
	// session. Defaults to the user home directory.
	DefaultWorkingContext string `toml:"default_working_context"`
}

// RateLimitConfig holds admission-control settings.
type RateLimitConfig struct {
	// RequestsPerMinute is the per-identity sliding-window limit.
	RequestsPerMinute int `toml:"requests_per_minute"`

	// GlobalPerSecond caps total throughput across all identities.
	// Zero disables the global ceiling.
	GlobalPerSecond float64 `toml:"global_per_second"`

	// GlobalBurst is the burst size for the global ceiling.
	GlobalBurst int `toml:"global_burst"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// DefaultConfig returns the built-in defaults. The result does not validate
// on its own: whitelist, PIN, and passphrase have no safe default.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		DataDir: filepath.Join(home, ".aegisbridge"),
		Security: SecurityConfig{
			SessionTimeoutMinutes: DefaultSessionTimeoutMinutes,
			LockoutThreshold:      DefaultLockoutThreshold,
			LockoutBaseMinutes:    DefaultLockoutBaseMinutes,
			DefaultWorkingContext: home,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: DefaultRequestsPerMinute,
			GlobalPerSecond:   10,
			GlobalBurst:       30,
		},
	}
}

// ConfigPath returns the default configuration file path
// (~/.aegisbridge/config.toml).
func ConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".aegisbridge", "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the configuration from path (or the default location when path
// is empty), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Missing file is fine; env overrides may supply everything.
	} else {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies AEGIS_* environment variables on top of the file
// values. Secrets are commonly injected this way in container deployments.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("AEGIS_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}

	if pin := os.Getenv("AEGIS_PIN"); pin != "" {
		c.Security.PIN = pin
	}

	if pass := os.Getenv("AEGIS_MASTER_PASSPHRASE"); pass != "" {
		c.Security.MasterPassphrase = pass
	}

	if secret := os.Getenv("AEGIS_TOTP_SECRET"); secret != "" {
		c.Security.TOTPSecret = secret
	}

	// AEGIS_WHITELIST is a comma-separated list of numeric identities.
	if list := os.Getenv("AEGIS_WHITELIST"); list != "" {
		var ids []int64
		for _, field := range strings.Split(list, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				continue // Validate reports an empty whitelist if nothing parsed
			}
			ids = append(ids, id)
		}
		if len(ids) > 0 {
			c.Security.Whitelist = ids
		}
	}

	if minutes := os.Getenv("AEGIS_SESSION_TIMEOUT_MINUTES"); minutes != "" {
		if v, err := strconv.Atoi(minutes); err == nil {
			c.Security.SessionTimeoutMinutes = v
		}
	}

	if rpm := os.Getenv("AEGIS_REQUESTS_PER_MINUTE"); rpm != "" {
		if v, err := strconv.Atoi(rpm); err == nil {
			c.RateLimit.RequestsPerMinute = v
		}
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

// Error implements the error interface.
func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration and returns every problem found.
// A failing Validate is fatal at startup: the security core refuses to
// construct with a weak passphrase or an empty whitelist.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "data_dir",
			Message: "must not be empty",
		})
	}

	if len(c.Security.Whitelist) == 0 {
		errs = append(errs, ValidationError{
			Field:   "security.whitelist",
			Message: "must list at least one identity",
		})
	}

	if len(c.Security.PIN) < MinPINLength {
		errs = append(errs, ValidationError{
			Field:   "security.pin",
			Message: fmt.Sprintf("must be at least %d characters", MinPINLength),
		})
	}

	if len(c.Security.MasterPassphrase) < MinPassphraseLength {
		errs = append(errs, ValidationError{
			Field:   "security.master_passphrase",
			Message: fmt.Sprintf("must be at least %d characters", MinPassphraseLength),
		})
	}

	if c.Security.SessionTimeoutMinutes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "security.session_timeout_minutes",
			Message: "must be positive",
		})
	}

	if c.Security.LockoutThreshold <= 0 {
		errs = append(errs, ValidationError{
			Field:   "security.lockout_threshold",
			Message: "must be positive",
		})
	}

	if c.Security.LockoutBaseMinutes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "security.lockout_base_minutes",
			Message: "must be positive",
		})
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		errs = append(errs, ValidationError{
			Field:   "rate_limit.requests_per_minute",
			Message: "must be positive",
		})
	}

	if c.RateLimit.GlobalPerSecond < 0 {
		errs = append(errs, ValidationError{
			Field:   "rate_limit.global_per_second",
			Message: "must not be negative",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Whitelisted reports whether identity appears in the configured whitelist.
func (c *SecurityConfig) Whitelisted(identity int64) bool {
	for _, id := range c.Whitelist {
		if id == identity {
			return true
		}
	}
	return false
}
