// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package usage keeps the per-identity request ledger in SQLite.
//
// Unlike the audit log, which answers "what happened", the ledger
// answers "how much": admitted requests per identity per day, for quota
// reporting and operator statistics. It stores the same keyed identity
// hashes as the audit log, never raw identities.
package usage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_hash TEXT NOT NULL,
	action TEXT NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_identity ON requests(identity_hash);
CREATE INDEX IF NOT EXISTS idx_requests_recorded ON requests(recorded_at);
`

// DatabaseFile is the ledger filename under the data dir.
const DatabaseFile = "usage.db"

// =============================================================================
// LEDGER
// =============================================================================

// Record is one admitted request.
type Record struct {
	IdentityHash string
	Action       string
	RecordedAt   time.Time
}

// Ledger is the usage database handle.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// Open creates or opens the ledger at path.
func Open(path string, opts ...Option) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage ledger: %w", err)
	}

	// SQLite supports one writer at a time; a second connection only
	// buys lock contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	l := &Ledger{db: db, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Add records one admitted request for the hashed identity.
func (l *Ledger) Add(identityHash, action string) error {
	_, err := l.db.Exec(
		"INSERT INTO requests (identity_hash, action, recorded_at) VALUES (?, ?, ?)",
		identityHash, action, l.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// Total counts requests for the hashed identity since the given time.
func (l *Ledger) Total(identityHash string, since time.Time) (int, error) {
	var count int
	err := l.db.QueryRow(
		"SELECT COUNT(*) FROM requests WHERE identity_hash = ? AND recorded_at >= ?",
		identityHash, since.UTC(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return count, nil
}

// Recent returns the newest records for the hashed identity, most recent
// first.
func (l *Ledger) Recent(identityHash string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := l.db.Query(
		"SELECT identity_hash, action, recorded_at FROM requests WHERE identity_hash = ? ORDER BY id DESC LIMIT ?",
		identityHash, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.IdentityHash, &rec.Action, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Prune deletes records older than the cutoff and returns how many went.
func (l *Ledger) Prune(before time.Time) (int64, error) {
	result, err := l.db.Exec("DELETE FROM requests WHERE recorded_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage ledger: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
