// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the authenticated-session table.
//
// There is exactly one authoritative copy of session state, in memory,
// guarded by a mutex. Expiry is lazy: nothing scans for stale sessions,
// they are evicted the moment a check observes their age. A periodic
// encrypted snapshot lets sessions survive a process restart without
// ever resurrecting one that should already have expired.
package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/aegisbridge/aegisbridge/internal/security"
	"github.com/aegisbridge/aegisbridge/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// SnapshotFile is the session snapshot filename under the data dir.
	SnapshotFile = "sessions.json"

	// DefaultSnapshotInterval coalesces Touch-triggered snapshot writes
	// so chat traffic does not hammer the disk.
	DefaultSnapshotInterval = 60 * time.Second
)

// =============================================================================
// SESSION
// =============================================================================

// Session is one authenticated identity's state.
type Session struct {
	Identity        int64     `json:"-"`
	AuthenticatedAt time.Time `json:"authenticated_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	WorkingContext  string    `json:"working_context,omitempty"`

	// TOTPVerified is false while a second factor is still pending. With
	// no TOTP secret configured it is set on PIN success.
	TOTPVerified bool `json:"totp_verified"`
}

// =============================================================================
// STORE
// =============================================================================

// Store is the authoritative session table. All methods are safe for
// concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session

	whitelist  map[int64]bool
	timeout    time.Duration
	totpSecret string

	// pinMAC holds HMACs of the configured PIN and of candidate PINs
	// under a random per-process key. Comparing digests instead of the
	// strings keeps verification time independent of PIN length.
	pinKey []byte
	pinMAC []byte

	cipher           *security.Engine
	snapshotPath     string
	snapshotInterval time.Duration
	lastSnapshot     time.Time

	defaultContext string

	now func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithSnapshotPath enables crash-recovery snapshots at path.
func WithSnapshotPath(path string) StoreOption {
	return func(s *Store) { s.snapshotPath = path }
}

// WithCipher encrypts the snapshot with engine. Without it the snapshot
// is written in the clear.
func WithCipher(engine *security.Engine) StoreOption {
	return func(s *Store) { s.cipher = engine }
}

// WithTOTPSecret requires a time-based one-time code as a second factor
// after the PIN.
func WithTOTPSecret(secret string) StoreOption {
	return func(s *Store) { s.totpSecret = secret }
}

// WithSnapshotInterval overrides the snapshot coalescing interval.
func WithSnapshotInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.snapshotInterval = d
		}
	}
}

// WithDefaultWorkingContext sets the working context new sessions start
// with.
func WithDefaultWorkingContext(ctx string) StoreOption {
	return func(s *Store) { s.defaultContext = ctx }
}

// WithClock injects the clock for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds the session table and, when a snapshot path is
// configured, restores any sessions still inside the timeout window.
func NewStore(whitelist []int64, pin string, timeout time.Duration, opts ...StoreOption) (*Store, error) {
	if pin == "" {
		return nil, fmt.Errorf("%w: empty PIN", security.ErrConfiguration)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: non-positive session timeout", security.ErrConfiguration)
	}

	s := &Store{
		sessions:         make(map[int64]*Session),
		whitelist:        make(map[int64]bool, len(whitelist)),
		timeout:          timeout,
		snapshotInterval: DefaultSnapshotInterval,
		now:              time.Now,
	}
	for _, id := range whitelist {
		s.whitelist[id] = true
	}

	for _, opt := range opts {
		opt(s)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to derive PIN comparison key: %w", err)
	}
	s.pinKey = key
	s.pinMAC = s.macPIN(pin)

	if s.snapshotPath != "" {
		s.restore()
	}

	return s, nil
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

// Authenticate verifies identity and pin, creating a session on success.
// Non-whitelisted identities are rejected before the PIN is examined at
// all. With a TOTP secret configured the session stays pending until
// VerifyTOTP succeeds, signalled by ErrTOTPRequired.
func (s *Store) Authenticate(identity int64, pin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.whitelist[identity] {
		return security.ErrUnauthorizedIdentity
	}

	if !hmac.Equal(s.pinMAC, s.macPIN(pin)) {
		return security.ErrInvalidPIN
	}

	now := s.now()
	s.sessions[identity] = &Session{
		Identity:        identity,
		AuthenticatedAt: now,
		LastActivityAt:  now,
		WorkingContext:  s.defaultContext,
		TOTPVerified:    s.totpSecret == "",
	}

	// RELIABILITY: snapshot on every successful authentication so a crash
	// immediately after login still preserves the session.
	s.snapshotLocked(true)

	if s.totpSecret != "" {
		return security.ErrTOTPRequired
	}
	return nil
}

// VerifyTOTP completes a pending two-factor login. A live session must
// already exist: without one there is no pending login to complete, and
// the attempt fails regardless of whether a second factor is configured.
func (s *Store) VerifyTOTP(identity int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok || s.expiredLocked(sess) {
		delete(s.sessions, identity)
		return security.ErrInvalidTOTP
	}

	if s.totpSecret == "" {
		return nil
	}

	if !totp.Validate(code, s.totpSecret) {
		return security.ErrInvalidTOTP
	}

	sess.TOTPVerified = true
	sess.LastActivityAt = s.now()
	s.snapshotLocked(true)
	return nil
}

// IsAuthenticated reports whether identity holds a live, fully verified
// session. An expired session is deleted as a side effect.
func (s *Store) IsAuthenticated(identity int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok {
		return false
	}

	if s.expiredLocked(sess) {
		delete(s.sessions, identity)
		return false
	}

	return sess.TOTPVerified
}

// Touch refreshes identity's activity timestamp. Snapshot writes are
// coalesced to at most one per interval.
func (s *Store) Touch(identity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok {
		return
	}
	if s.expiredLocked(sess) {
		delete(s.sessions, identity)
		return
	}

	sess.LastActivityAt = s.now()
	s.snapshotLocked(false)
}

// Lock destroys identity's session; manual logout.
func (s *Store) Lock(identity int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, identity)
	s.snapshotLocked(true)
}

// LockAll destroys every session; used at shutdown.
func (s *Store) LockAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[int64]*Session)
	s.snapshotLocked(true)
}

// =============================================================================
// WORKING CONTEXT
// =============================================================================

// WorkingContext returns identity's working context, or "" with false if
// no live session exists.
func (s *Store) WorkingContext(identity int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok || s.expiredLocked(sess) {
		delete(s.sessions, identity)
		return "", false
	}
	return sess.WorkingContext, true
}

// SetWorkingContext updates identity's working context. No-op without a
// live session.
func (s *Store) SetWorkingContext(identity int64, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[identity]
	if !ok || s.expiredLocked(sess) {
		delete(s.sessions, identity)
		return
	}
	sess.WorkingContext = value
	// Context switches are rare operator actions; flush immediately so a
	// crash cannot roll one back.
	s.snapshotLocked(true)
}

// ActiveCount returns the number of live sessions, evicting any that
// expired.
func (s *Store) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if s.expiredLocked(sess) {
			delete(s.sessions, id)
		}
	}
	return len(s.sessions)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (s *Store) expiredLocked(sess *Session) bool {
	return s.now().Sub(sess.LastActivityAt) > s.timeout
}

// macPIN digests a PIN under the per-process comparison key.
func (s *Store) macPIN(pin string) []byte {
	mac := hmac.New(sha256.New, s.pinKey)
	mac.Write([]byte(pin))
	return mac.Sum(nil)
}

// =============================================================================
// SNAPSHOT PERSISTENCE
// =============================================================================

// snapshotLocked writes the session table to disk. Unless force is set,
// writes within the coalescing interval of the previous one are skipped.
// Caller holds mu.
func (s *Store) snapshotLocked(force bool) {
	if s.snapshotPath == "" {
		return
	}

	now := s.now()
	if !force && now.Sub(s.lastSnapshot) < s.snapshotInterval {
		return
	}

	table := make(map[string]*Session, len(s.sessions))
	for id, sess := range s.sessions {
		table[strconv.FormatInt(id, 10)] = sess
	}

	data, err := json.Marshal(table)
	if err != nil {
		return
	}

	payload := data
	if s.cipher != nil {
		token, err := s.cipher.Encrypt(data)
		if err != nil {
			return
		}
		payload = []byte(token)
	}

	if err := util.AtomicWriteFileWithDir(s.snapshotPath, payload, 0600, 0700); err != nil {
		return
	}
	s.lastSnapshot = now
}

// restore loads the last snapshot, keeping only sessions still inside the
// timeout window. A snapshot that fails to decrypt is tried as legacy
// plaintext JSON; anything else is discarded, never fatal.
func (s *Store) restore() {
	payload, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return
	}

	data := payload
	if s.cipher != nil {
		plain, err := s.cipher.Decrypt(string(payload))
		switch {
		case err == nil:
			data = plain
		case errors.Is(err, security.ErrFormat):
			// Legacy unencrypted snapshot from before the cipher was
			// wired in; accept it once, the next write encrypts.
		default:
			return
		}
	}

	var table map[string]*Session
	if err := json.Unmarshal(data, &table); err != nil {
		return
	}

	now := s.now()
	for key, sess := range table {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil || sess == nil {
			continue
		}
		if now.Sub(sess.LastActivityAt) > s.timeout {
			continue
		}
		sess.Identity = id
		s.sessions[id] = sess
	}
}

// Close locks every session and persists the final state.
func (s *Store) Close() {
	s.LockAll()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinKey != nil {
		security.ZeroBytes(s.pinKey)
		s.pinKey = nil
	}
}
