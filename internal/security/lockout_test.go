// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock returns a controllable clock starting at a fixed instant.
func fakeClock(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

func TestLockoutWindowPure(t *testing.T) {
	base := 15 * time.Minute

	tests := []struct {
		count int
		want  time.Duration
	}{
		{0, 0},
		{4, 0},
		{5, 15 * time.Minute},
		{9, 15 * time.Minute},
		{10, 30 * time.Minute},
		{15, 60 * time.Minute},
		{20, 120 * time.Minute},
		{500, LockoutCap},
	}

	for _, tt := range tests {
		got := LockoutWindow(tt.count, 5, base)
		if got != tt.want {
			t.Errorf("LockoutWindow(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestLockoutWindowCap(t *testing.T) {
	// A ridiculous base must still respect the cap.
	got := LockoutWindow(5, 5, 48*time.Hour)
	if got != LockoutCap {
		t.Errorf("LockoutWindow with oversized base = %v, want %v", got, LockoutCap)
	}
}

func TestLockoutBelowThreshold(t *testing.T) {
	tracker := NewLockoutTracker()

	for i := 0; i < 4; i++ {
		tracker.RecordFailure(42)
	}

	locked, _ := tracker.IsLockedOut(42)
	if locked {
		t.Error("should not be locked below threshold")
	}
}

func TestLockoutAtThreshold(t *testing.T) {
	now, _ := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tracker := NewLockoutTracker(WithLockoutClock(now))

	for i := 0; i < 5; i++ {
		tracker.RecordFailure(42)
	}

	locked, remaining := tracker.IsLockedOut(42)
	require.True(t, locked)
	require.Equal(t, 15*time.Minute, remaining)
}

func TestLockoutWindowExpires(t *testing.T) {
	now, advance := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tracker := NewLockoutTracker(WithLockoutClock(now))

	for i := 0; i < 5; i++ {
		tracker.RecordFailure(42)
	}

	advance(15*time.Minute - time.Second)
	locked, _ := tracker.IsLockedOut(42)
	require.True(t, locked, "one second before expiry")

	advance(2 * time.Second)
	locked, _ = tracker.IsLockedOut(42)
	require.False(t, locked, "one second after expiry")

	// The count survives the window: one more failure re-locks at once,
	// now in the doubled tier territory as failures keep accumulating.
	count := tracker.RecordFailure(42)
	require.Equal(t, 6, count)
	locked, _ = tracker.IsLockedOut(42)
	require.True(t, locked, "next failure after expiry re-anchors the window")
}

func TestLockoutExponentialGrowth(t *testing.T) {
	now, _ := fakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	tracker := NewLockoutTracker(WithLockoutClock(now))

	for i := 0; i < 10; i++ {
		tracker.RecordFailure(42)
	}

	locked, remaining := tracker.IsLockedOut(42)
	require.True(t, locked)
	require.Equal(t, 30*time.Minute, remaining)
}

func TestLockoutClearOnSuccess(t *testing.T) {
	tracker := NewLockoutTracker()

	for i := 0; i < 10; i++ {
		tracker.RecordFailure(42)
	}
	tracker.ClearFailures(42)

	locked, _ := tracker.IsLockedOut(42)
	require.False(t, locked)
	require.Nil(t, tracker.Status(42))
}

func TestLockoutIdentitiesIndependent(t *testing.T) {
	tracker := NewLockoutTracker()

	for i := 0; i < 5; i++ {
		tracker.RecordFailure(42)
	}

	locked, _ := tracker.IsLockedOut(99)
	if locked {
		t.Error("lockout for one identity must not affect another")
	}
}

func TestLockoutPersistenceRoundtrip(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, LockoutStateFile)

	tracker := NewLockoutTracker(WithLockoutPersistPath(statePath))
	for i := 0; i < 5; i++ {
		tracker.RecordFailure(42)
	}

	// A fresh tracker over the same path restores the count.
	restored := NewLockoutTracker(WithLockoutPersistPath(statePath))
	require.False(t, restored.IsParanoid())

	rec := restored.Status(42)
	require.NotNil(t, rec)
	require.Equal(t, 5, rec.Count)

	locked, _ := restored.IsLockedOut(42)
	require.True(t, locked, "restart must not reset the lockout clock")
}

func TestLockoutTamperedStateGoesParanoid(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, LockoutStateFile)

	tracker := NewLockoutTracker(WithLockoutPersistPath(statePath))
	tracker.RecordFailure(42)

	// Flip a byte in the persisted payload.
	payload, err := os.ReadFile(statePath)
	require.NoError(t, err)
	payload[3] ^= 0xFF
	require.NoError(t, os.WriteFile(statePath, payload, 0600))

	restored := NewLockoutTracker(WithLockoutPersistPath(statePath))
	require.True(t, restored.IsParanoid())

	// Paranoid mode locks identities with no recorded failures.
	locked, _ := restored.IsLockedOut(99)
	require.True(t, locked)

	// A successful authentication re-establishes trusted state.
	restored.ClearFailures(42)
	require.False(t, restored.IsParanoid())
}

func TestLockoutParanoidLocksEveryone(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, LockoutStateFile)

	tracker := NewLockoutTracker(WithLockoutPersistPath(statePath))
	tracker.RecordFailure(42)

	// Corrupt the file behind the tracker's back and force a re-check.
	require.NoError(t, os.WriteFile(statePath, []byte("garbage"), 0600))
	require.False(t, tracker.VerifyIntegrity())

	locked, _ := tracker.IsLockedOut(99)
	require.True(t, locked, "paranoid mode refuses unknown identities too")
}

func TestLockoutInBackoffIgnoresParanoid(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, LockoutStateFile)

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewLockoutTracker(
		WithLockoutPersistPath(statePath),
		WithLockoutClock(func() time.Time { return clock }),
	)

	require.NoError(t, os.WriteFile(statePath, []byte("garbage"), 0600))
	require.False(t, tracker.VerifyIntegrity())

	// Paranoid mode locks everyone, but only a personal failure window
	// counts as backoff.
	locked, _ := tracker.IsLockedOut(42)
	require.True(t, locked)
	backing, _ := tracker.InBackoff(42)
	require.False(t, backing)

	for i := 0; i < DefaultLockoutThreshold; i++ {
		tracker.RecordFailure(42)
	}
	backing, remaining := tracker.InBackoff(42)
	require.True(t, backing)
	require.Equal(t, DefaultLockoutBase, remaining)
}

func TestLockoutVerifyIntegrityOK(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, LockoutStateFile)

	tracker := NewLockoutTracker(WithLockoutPersistPath(statePath))
	tracker.RecordFailure(42)

	require.True(t, tracker.VerifyIntegrity())
	require.False(t, tracker.IsParanoid())
}
