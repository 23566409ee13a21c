// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file implements brute-force lockout tracking.
//
// Failed PIN attempts accumulate per identity and are never reset by the
// passage of time: only a subsequent authentication success clears them.
// Once the count reaches the threshold, the identity is refused for a
// window that doubles with every further block of failures, capped at 24
// hours and anchored at the most recent failure.
//
// State is persisted with a trailing HMAC-SHA-256 signature so a restart
// does not reset an attacker's count, and deleting or editing the file on
// disk flips the tracker into paranoid mode (everyone locked) instead of
// quietly starting fresh.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aegisbridge/aegisbridge/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultLockoutThreshold is the failed-attempt count that opens a
	// lockout window.
	DefaultLockoutThreshold = 5

	// DefaultLockoutBase is the first lockout window.
	DefaultLockoutBase = 15 * time.Minute

	// LockoutCap is the longest a lockout window ever grows.
	LockoutCap = 24 * time.Hour

	// LockoutStateFile is the filename for persisted lockout state.
	LockoutStateFile = "lockout_state.json"
)

// =============================================================================
// ATTEMPT RECORD
// =============================================================================

// AttemptRecord tracks authentication failures for one identity.
type AttemptRecord struct {
	// Count is the cumulative number of failures since the last success.
	Count int `json:"count"`

	// LastAttempt is the timestamp of the most recent failure. Lockout
	// windows are anchored here.
	LastAttempt time.Time `json:"last_attempt"`
}

// LockoutWindow computes the lockout duration for a given failure count as
// a pure function:
//
//	0                                        count < threshold
//	min(base * 2^((count-threshold)/div), cap) otherwise
//
// where the exponent grows by one per additional full block of threshold
// failures. Keeping this pure (no clock, no state) means tests assert on
// exact durations without waiting.
func LockoutWindow(count, threshold int, base time.Duration) time.Duration {
	if count < threshold {
		return 0
	}

	exp := (count - threshold) / threshold
	window := base
	for i := 0; i < exp; i++ {
		window *= 2
		if window >= LockoutCap {
			return LockoutCap
		}
	}
	if window > LockoutCap {
		return LockoutCap
	}
	return window
}

// =============================================================================
// LOCKOUT TRACKER
// =============================================================================

// LockoutTracker owns the failed-attempt table. It is safe for concurrent
// use; the table is never shared by reference with other components.
type LockoutTracker struct {
	mu sync.Mutex

	attempts  map[int64]*AttemptRecord
	threshold int
	base      time.Duration

	persistPath  string
	integrityKey []byte

	// paranoid is set when the persisted state is missing, corrupted, or
	// fails its HMAC. While set, every identity is treated as locked.
	paranoid bool

	now func() time.Time
}

// LockoutOption configures a LockoutTracker.
type LockoutOption func(*LockoutTracker)

// WithLockoutThreshold sets the failure count that opens a window.
func WithLockoutThreshold(n int) LockoutOption {
	return func(t *LockoutTracker) {
		if n > 0 {
			t.threshold = n
		}
	}
}

// WithLockoutBase sets the initial lockout window.
func WithLockoutBase(d time.Duration) LockoutOption {
	return func(t *LockoutTracker) {
		if d > 0 {
			t.base = d
		}
	}
}

// WithLockoutPersistPath enables signed state persistence at path.
func WithLockoutPersistPath(path string) LockoutOption {
	return func(t *LockoutTracker) {
		t.persistPath = path
	}
}

// WithLockoutClock injects the clock. Tests use this to cross lockout
// windows without sleeping.
func WithLockoutClock(now func() time.Time) LockoutOption {
	return func(t *LockoutTracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewLockoutTracker creates a tracker and, when persistence is configured,
// loads and verifies the prior state. A missing state file on a configured
// path is treated as suspicious until a fresh signed state is written,
// which the constructor does immediately so first runs are not bricked.
func NewLockoutTracker(opts ...LockoutOption) *LockoutTracker {
	t := &LockoutTracker{
		attempts:  make(map[int64]*AttemptRecord),
		threshold: DefaultLockoutThreshold,
		base:      DefaultLockoutBase,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.persistPath != "" {
		t.initIntegrityKey()
		firstRun := t.loadState()
		if firstRun {
			// No prior state at all: establish a signed baseline so the
			// first run is not bricked. Tampered or corrupted state does
			// NOT get this grace; it stays paranoid until an operator
			// authenticates successfully.
			if t.saveStateLocked() == nil {
				t.paranoid = false
			}
		}
	}

	return t
}

// =============================================================================
// CORE OPERATIONS
// =============================================================================

// RecordFailure registers a failed authentication attempt and returns the
// new cumulative count.
func (t *LockoutTracker) RecordFailure(identity int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[identity]
	if !ok {
		rec = &AttemptRecord{}
		t.attempts[identity] = rec
	}

	rec.Count++
	rec.LastAttempt = t.now()

	_ = t.saveStateLocked()
	return rec.Count
}

// ClearFailures wipes the record for identity. Called on authentication
// success only; time never clears a count.
func (t *LockoutTracker) ClearFailures(identity int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.attempts, identity)
	if t.saveStateLocked() == nil {
		// An authentication success re-establishes trusted state.
		t.paranoid = false
	}
}

// IsLockedOut reports whether identity is inside an active lockout window
// and, if so, how long remains. In paranoid mode everything is locked.
func (t *LockoutTracker) IsLockedOut(identity int64) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.paranoid {
		return true, t.base
	}

	rec, ok := t.attempts[identity]
	if !ok {
		return false, 0
	}

	window := LockoutWindow(rec.Count, t.threshold, t.base)
	if window == 0 {
		return false, 0
	}

	until := rec.LastAttempt.Add(window)
	remaining := until.Sub(t.now())
	if remaining <= 0 {
		// Window elapsed. The count stays: the next failure re-anchors
		// a window immediately.
		return false, 0
	}

	return true, remaining
}

// InBackoff reports whether identity sits inside its own failure backoff
// window, ignoring paranoid mode. Callers use this to tell a personal
// penalty apart from a store-wide integrity lockdown: paranoid mode must
// still admit a PIN attempt, a live backoff window must not.
func (t *LockoutTracker) InBackoff(identity int64) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[identity]
	if !ok {
		return false, 0
	}

	window := LockoutWindow(rec.Count, t.threshold, t.base)
	if window == 0 {
		return false, 0
	}

	remaining := rec.LastAttempt.Add(window).Sub(t.now())
	if remaining <= 0 {
		return false, 0
	}

	return true, remaining
}

// Status returns a copy of the attempt record for identity, or nil.
func (t *LockoutTracker) Status(identity int64) *AttemptRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.attempts[identity]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// IsParanoid reports whether the tracker is refusing everyone because its
// persisted state could not be trusted.
func (t *LockoutTracker) IsParanoid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paranoid
}

// VerifyIntegrity re-checks the persisted state file against its signature.
// The tamper watcher calls this when the file changes on disk; a failing
// check flips paranoid mode until trusted state is re-written.
func (t *LockoutTracker) VerifyIntegrity() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.persistPath == "" {
		return true
	}

	payload, err := os.ReadFile(t.persistPath)
	if err != nil || len(payload) < macSize {
		t.paranoid = true
		return false
	}

	data, sig := payload[:len(payload)-macSize], payload[len(payload)-macSize:]
	mac := hmac.New(sha256.New, t.integrityKey)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		t.paranoid = true
		return false
	}

	return true
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// lockoutState is the JSON structure persisted to disk. The file carries
// this JSON followed by 32 bytes of HMAC-SHA-256.
type lockoutState struct {
	Attempts map[int64]*AttemptRecord `json:"attempts"`
	SavedAt  time.Time                `json:"saved_at"`
	Version  string                   `json:"version"`
}

// initIntegrityKey loads or generates the 32-byte HMAC key stored next to
// the state file.
func (t *LockoutTracker) initIntegrityKey() {
	keyPath := t.persistPath + ".key"

	if keyData, err := os.ReadFile(keyPath); err == nil && len(keyData) == macSize {
		t.integrityKey = keyData
		return
	}

	key := make([]byte, macSize)
	if _, err := rand.Read(key); err != nil {
		// No trustworthy key means no trustworthy state: lock everyone
		// rather than run with a forgeable signature.
		t.paranoid = true
		return
	}
	t.integrityKey = key

	_ = util.AtomicWriteFileWithDir(keyPath, key, 0600, 0700)
}

// loadState reads and verifies the persisted state. Any problem (missing
// file, short payload, signature mismatch, bad JSON) enters paranoid mode.
// It reports whether this looks like a first run (no file present) rather
// than tampering.
func (t *LockoutTracker) loadState() bool {
	payload, err := os.ReadFile(t.persistPath)
	if err != nil {
		t.paranoid = true
		return os.IsNotExist(err)
	}

	if len(payload) < macSize {
		t.paranoid = true
		return false
	}

	data, sig := payload[:len(payload)-macSize], payload[len(payload)-macSize:]
	mac := hmac.New(sha256.New, t.integrityKey)
	mac.Write(data)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		t.paranoid = true
		return false
	}

	var state lockoutState
	if err := json.Unmarshal(data, &state); err != nil {
		t.paranoid = true
		return false
	}

	t.attempts = state.Attempts
	if t.attempts == nil {
		t.attempts = make(map[int64]*AttemptRecord)
	}
	t.paranoid = false
	return false
}

// saveStateLocked signs and atomically writes the state (caller holds mu).
// It does not touch paranoid mode; callers decide whether a save counts as
// re-establishing trust.
func (t *LockoutTracker) saveStateLocked() error {
	if t.persistPath == "" {
		return nil
	}
	if t.integrityKey == nil {
		return fmt.Errorf("no integrity key; refusing to write unsigned state")
	}

	state := lockoutState{
		Attempts: t.attempts,
		SavedAt:  t.now(),
		Version:  "1",
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal lockout state: %w", err)
	}

	mac := hmac.New(sha256.New, t.integrityKey)
	mac.Write(data)
	payload := append(data, mac.Sum(nil)...)

	if err := util.AtomicWriteFileWithDir(t.persistPath, payload, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write lockout state: %w", err)
	}

	return nil
}

// Close zeros the integrity key.
func (t *LockoutTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.integrityKey != nil {
		ZeroBytes(t.integrityKey)
		t.integrityKey = nil
	}
}

// DefaultLockoutStatePath returns the state path under dataDir.
func DefaultLockoutStatePath(dataDir string) string {
	return filepath.Join(dataDir, LockoutStateFile)
}
