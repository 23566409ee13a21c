// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package aegisbridge is the trust and access core for a chat-driven
// remote control surface.
//
// The package composes the underlying pieces into one facade:
//
//	cipher    authenticated encryption and keyed hashing
//	sessions  PIN (and optional TOTP) authentication with lazy expiry
//	guard     whitelist, lockout, and group-chat admission
//	limiter   per-identity sliding-window rate limiting
//	audit     encrypted append-only event log
//	usage     SQLite request ledger
//
// Collaborators (the bot command layer, the provider layer) call
// Authenticate and Admit; everything else happens behind those two
// doors.
package aegisbridge

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/aegisbridge/aegisbridge/internal/audit"
	"github.com/aegisbridge/aegisbridge/internal/config"
	"github.com/aegisbridge/aegisbridge/internal/ratelimit"
	"github.com/aegisbridge/aegisbridge/internal/security"
	"github.com/aegisbridge/aegisbridge/internal/session"
	"github.com/aegisbridge/aegisbridge/internal/usage"
)

// Re-exported sentinels so callers match errors without importing
// internal packages.
var (
	ErrConfiguration        = security.ErrConfiguration
	ErrUnauthorizedIdentity = security.ErrUnauthorizedIdentity
	ErrInvalidPIN           = security.ErrInvalidPIN
	ErrTOTPRequired         = security.ErrTOTPRequired
	ErrInvalidTOTP          = security.ErrInvalidTOTP
	ErrLockedOut            = security.ErrLockedOut
	ErrRateLimited          = security.ErrRateLimited
	ErrIntegrity            = security.ErrIntegrity
	ErrFormat               = security.ErrFormat
)

// Request is the guard's request type, re-exported for callers.
type Request = security.Request

// Decision is the guard's verdict type, re-exported for callers.
type Decision = security.Decision

// Chat kinds, re-exported.
const (
	ChatDirect = security.ChatDirect
	ChatGroup  = security.ChatGroup
)

// =============================================================================
// CORE
// =============================================================================

// Core wires the security components together over one data directory.
type Core struct {
	cfg *config.Config

	cipher   *security.Engine
	sessions *session.Store
	guard    *security.Guard
	lockout  *security.LockoutTracker
	limiter  *ratelimit.Limiter
	auditLog *audit.Log
	usage    *usage.Ledger
	watcher  *security.TamperWatcher
}

// New builds the full core from a validated configuration. It fails fast
// on any component that cannot start; a half-initialized trust core is
// worse than none.
func New(cfg *config.Config) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", security.ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cipher, err := security.NewEngine(cfg.Security.MasterPassphrase)
	if err != nil {
		return nil, err
	}

	c := &Core{cfg: cfg, cipher: cipher}

	c.lockout = security.NewLockoutTracker(
		security.WithLockoutThreshold(cfg.Security.LockoutThreshold),
		security.WithLockoutBase(time.Duration(cfg.Security.LockoutBaseMinutes)*time.Minute),
		security.WithLockoutPersistPath(security.DefaultLockoutStatePath(cfg.DataDir)),
	)

	c.sessions, err = session.NewStore(
		cfg.Security.Whitelist,
		cfg.Security.PIN,
		time.Duration(cfg.Security.SessionTimeoutMinutes)*time.Minute,
		session.WithSnapshotPath(filepath.Join(cfg.DataDir, session.SnapshotFile)),
		session.WithCipher(cipher),
		session.WithTOTPSecret(cfg.Security.TOTPSecret),
		session.WithDefaultWorkingContext(cfg.Security.DefaultWorkingContext),
	)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.guard = security.NewGuard(cfg.Security.Whitelist, c.lockout, c.sessions)

	c.limiter = ratelimit.New(
		ratelimit.WithLimit(cfg.RateLimit.RequestsPerMinute),
		ratelimit.WithGlobalCeiling(cfg.RateLimit.GlobalPerSecond, cfg.RateLimit.GlobalBurst),
	)

	c.auditLog, err = audit.Open(filepath.Join(cfg.DataDir, audit.LogFile), cipher)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.usage, err = usage.Open(filepath.Join(cfg.DataDir, usage.DatabaseFile))
	if err != nil {
		c.Close()
		return nil, err
	}

	// Watch the data dir so lockout-state tampering while running is
	// caught, not just at the next restart.
	watcher, err := security.NewTamperWatcher(cfg.DataDir, func(path string) {
		c.record(0, "tamper_detected", filepath.Base(path))
	})
	if err == nil {
		watcher.Watch(security.LockoutStateFile, c.lockout.VerifyIntegrity)
		watcher.Start()
		c.watcher = watcher
	}

	return c, nil
}

// record writes an audit event, alerting on stderr if the trail itself is
// failing. A dead audit log must be loud, not silent.
func (c *Core) record(identity int64, action, data string) {
	if err := c.auditLog.Record(identity, action, data); err != nil {
		log.Printf("AUDIT FAILURE: could not record %q: %v", action, err)
	}
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// Authenticate runs the full login flow for one identity: lockout gate,
// whitelist, PIN, lockout bookkeeping, audit trail. ErrTOTPRequired
// means the PIN was right and a one-time code must follow via
// VerifyTOTP.
func (c *Core) Authenticate(identity int64, pin string) error {
	// Only the personal backoff window blocks a PIN attempt. Paranoid
	// mode keeps the guard refusing everything else, but a correct PIN
	// is how trusted state gets re-established, so the attempt itself
	// must be allowed through.
	if backing, remaining := c.lockout.InBackoff(identity); backing {
		c.record(identity, "auth_locked_out", "")
		return fmt.Errorf("%w: retry in %s", security.ErrLockedOut, remaining.Round(time.Second))
	}

	err := c.sessions.Authenticate(identity, pin)
	switch {
	case err == nil:
		c.guard.ClearFailedAuth(identity)
		c.record(identity, "auth_success", "")
		return nil

	case errors.Is(err, security.ErrTOTPRequired):
		c.guard.ClearFailedAuth(identity)
		c.record(identity, "auth_pin_ok_totp_pending", "")
		return err

	case errors.Is(err, security.ErrInvalidPIN):
		count := c.guard.RecordFailedAuth(identity)
		c.record(identity, "auth_failure", fmt.Sprintf("attempt %d", count))
		return err

	default:
		// Unauthorized identities get no lockout bookkeeping; they were
		// never going to succeed and their count is not worth storing.
		c.record(identity, "auth_unauthorized", "")
		return err
	}
}

// VerifyTOTP completes a pending two-factor login.
func (c *Core) VerifyTOTP(identity int64, code string) error {
	if backing, remaining := c.lockout.InBackoff(identity); backing {
		return fmt.Errorf("%w: retry in %s", security.ErrLockedOut, remaining.Round(time.Second))
	}

	err := c.sessions.VerifyTOTP(identity, code)
	if err != nil {
		count := c.guard.RecordFailedAuth(identity)
		c.record(identity, "totp_failure", fmt.Sprintf("attempt %d", count))
		return err
	}

	c.guard.ClearFailedAuth(identity)
	c.record(identity, "totp_success", "")
	return nil
}

// Lock destroys identity's session.
func (c *Core) Lock(identity int64) {
	c.sessions.Lock(identity)
	c.record(identity, "session_locked", "")
}

// =============================================================================
// ADMISSION
// =============================================================================

// Admit runs one inbound request through the guard and, when it passes,
// the rate limiter. Allowed requests are written to the usage ledger;
// refusals that merit a reply carry a retry hint in the decision.
func (c *Core) Admit(req Request) Decision {
	decision := c.guard.Admit(req)
	if !decision.Allowed {
		if !decision.Silent {
			c.record(req.Identity, "admission_refused", decision.Reason.String())
		}
		return decision
	}

	res := c.limiter.Check(req.Identity)
	if !res.Allowed {
		c.record(req.Identity, "rate_limited", "")
		return Decision{
			Reason:     security.RateLimited,
			RetryAfter: res.RetryAfter,
			CleanText:  decision.CleanText,
		}
	}

	action := req.Command
	if action == "" {
		action = "message"
	}
	_ = c.usage.Add(c.cipher.KeyedHash([]byte(fmt.Sprintf("%d", req.Identity))), action)

	return decision
}

// =============================================================================
// COLLABORATOR ACCESS
// =============================================================================

// Sessions exposes the session store to the command layer.
func (c *Core) Sessions() *session.Store { return c.sessions }

// Audit exposes the audit log to the command layer.
func (c *Core) Audit() *audit.Log { return c.auditLog }

// Usage exposes the request ledger.
func (c *Core) Usage() *usage.Ledger { return c.usage }

// Cipher exposes the engine for collaborators that persist their own
// secrets.
func (c *Core) Cipher() *security.Engine { return c.cipher }

// UsageHash returns the ledger key for an identity, so callers can run
// their own ledger queries.
func (c *Core) UsageHash(identity int64) string {
	return c.cipher.KeyedHash([]byte(fmt.Sprintf("%d", identity)))
}

// Close shuts every component down in reverse dependency order.
func (c *Core) Close() {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.usage != nil {
		_ = c.usage.Close()
	}
	if c.auditLog != nil {
		_ = c.auditLog.Close()
	}
	if c.sessions != nil {
		c.sessions.Close()
	}
	if c.lockout != nil {
		c.lockout.Close()
	}
	if c.cipher != nil {
		c.cipher.Close()
	}
}
