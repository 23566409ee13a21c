// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package audit keeps the encrypted, append-only security event log.
//
// Each entry is serialized, scrubbed of secrets, encrypted, and appended
// as one ciphertext token per line. Identities never appear in the clear:
// entries are keyed by a keyed hash of the identity, so the log file
// leaks neither who did something nor what they did, while queries by
// the legitimate key holder still work.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aegisbridge/aegisbridge/internal/security"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// LogFile is the audit log filename under the data dir.
	LogFile = "audit.log"

	// maxDataLen truncates free-form detail so one chatty event cannot
	// bloat the log.
	maxDataLen = 200
)

// =============================================================================
// SECRET SCRUBBING
// =============================================================================

// secretPatterns match credential material that must never reach the log,
// even encrypted. Defense in depth: a leaked master passphrase should not
// also leak every API key that ever crossed a command line.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9\-_]{16,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-_.=]+`),
	regexp.MustCompile(`(?i)(password|passphrase|pin|token|secret)\s*[=:]\s*\S+`),
}

// scrub replaces credential-shaped substrings and truncates the result.
func scrub(data string) string {
	for _, pattern := range secretPatterns {
		data = pattern.ReplaceAllString(data, "[REDACTED]")
	}
	if len(data) > maxDataLen {
		data = data[:maxDataLen] + "..."
	}
	return data
}

// =============================================================================
// ENTRY
// =============================================================================

// Entry is one audit event.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	IdentityHash string    `json:"identity_hash"`
	Action       string    `json:"action"`
	Data         string    `json:"data,omitempty"`
}

// =============================================================================
// LOG
// =============================================================================

// Log is the append-only audit writer and reader. Safe for concurrent
// use; writes are serialized and synced.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	cipher *security.Engine

	now func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock injects the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// Open creates or opens the audit log at path. The cipher is mandatory:
// this log never writes plaintext.
func Open(path string, cipher *security.Engine, opts ...Option) (*Log, error) {
	if cipher == nil {
		return nil, fmt.Errorf("%w: audit log requires a cipher", security.ErrConfiguration)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	l := &Log{
		path:   path,
		file:   file,
		cipher: cipher,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Record appends one event for identity. The identity is stored only as
// a keyed hash; the free-form data is scrubbed before encryption.
func (l *Log) Record(identity int64, action, data string) error {
	entry := Entry{
		ID:           uuid.NewString(),
		Timestamp:    l.now().UTC(),
		IdentityHash: l.hashIdentity(identity),
		Action:       action,
		Data:         scrub(data),
	}

	plain, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	token, err := l.cipher.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := fmt.Fprintln(l.file, token); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	// RELIABILITY: sync per entry; audit records exist to survive the
	// crash that follows them.
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

// Query returns up to limit entries for identity, most recent first.
// The file is walked from the tail so decryption work is bounded by the
// limit, not the size of the history. Lines that fail to decrypt or
// parse are skipped: one corrupt line must not wall off the rest.
func (l *Log) Query(identity int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	wantHash := l.hashIdentity(identity)
	lines := strings.Split(string(raw), "\n")

	var matches []Entry
	for i := len(lines) - 1; i >= 0 && len(matches) < limit; i-- {
		line := lines[i]
		if line == "" {
			continue
		}

		plain, err := l.cipher.Decrypt(line)
		if err != nil {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(plain, &entry); err != nil {
			continue
		}

		if entry.IdentityHash == wantHash {
			matches = append(matches, entry)
		}
	}
	return matches, nil
}

// hashIdentity produces the stable pseudonym entries are keyed by.
func (l *Log) hashIdentity(identity int64) string {
	return l.cipher.KeyedHash([]byte(fmt.Sprintf("%d", identity)))
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
