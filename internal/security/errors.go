// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import "errors"

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// The sentinel errors below are the complete failure vocabulary of the
// security core. Callers branch with errors.Is; the messages deliberately
// reveal nothing about which internal check failed.

var (
	// ErrConfiguration indicates invalid startup configuration (short
	// passphrase, short PIN). Fatal at construction, never at runtime.
	ErrConfiguration = errors.New("invalid security configuration")

	// ErrUnauthorizedIdentity indicates a sender outside the whitelist.
	// Denied silently: replying at all would confirm the bot exists.
	ErrUnauthorizedIdentity = errors.New("identity not whitelisted")

	// ErrInvalidPIN indicates a failed PIN comparison. Surfaced to the
	// sender only as a generic failure, never with detail.
	ErrInvalidPIN = errors.New("invalid PIN")

	// ErrTOTPRequired indicates a PIN-authenticated session that still
	// needs a TOTP code before it becomes usable.
	ErrTOTPRequired = errors.New("TOTP verification required")

	// ErrInvalidTOTP indicates a failed TOTP code check.
	ErrInvalidTOTP = errors.New("invalid TOTP code")

	// ErrLockedOut indicates an active brute-force lockout window.
	// Surfaced with remaining time, never with the underlying count.
	ErrLockedOut = errors.New("locked out: too many failed attempts")

	// ErrIntegrity indicates tampered or corrupted ciphertext. Tampering
	// and a wrong key are indistinguishable on purpose: an attacker who
	// can only flip bits learns nothing from the error.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrFormat indicates a structurally malformed ciphertext token
	// (bad encoding, below minimum length).
	ErrFormat = errors.New("malformed ciphertext token")

	// ErrRateLimited indicates a refused request under rate limiting.
	// Surfaced with a wait time.
	ErrRateLimited = errors.New("rate limit exceeded")
)
