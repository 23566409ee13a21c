// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package usage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, opts ...Option) *Ledger {
	t.Helper()
	ledger, err := Open(filepath.Join(t.TempDir(), DatabaseFile), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	return ledger
}

func TestAddAndTotal(t *testing.T) {
	ledger := newTestLedger(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, ledger.Add("hash-a", "command"))
	}
	require.NoError(t, ledger.Add("hash-b", "command"))

	total, err := ledger.Total("hash-a", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 3, total)

	total, err = ledger.Total("hash-b", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestTotalSince(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, WithClock(func() time.Time { return current }))

	require.NoError(t, ledger.Add("hash-a", "command"))

	current = current.Add(48 * time.Hour)
	require.NoError(t, ledger.Add("hash-a", "command"))

	total, err := ledger.Total("hash-a", current.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, total, "only the recent record is inside the window")
}

func TestRecentOrderAndLimit(t *testing.T) {
	ledger := newTestLedger(t)

	for _, action := range []string{"first", "second", "third"} {
		require.NoError(t, ledger.Add("hash-a", action))
	}

	records, err := ledger.Recent("hash-a", 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "third", records[0].Action)
	require.Equal(t, "second", records[1].Action)
}

func TestPrune(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, WithClock(func() time.Time { return current }))

	require.NoError(t, ledger.Add("hash-a", "old"))
	current = current.Add(72 * time.Hour)
	require.NoError(t, ledger.Add("hash-a", "new"))

	pruned, err := ledger.Prune(current.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)

	total, err := ledger.Total("hash-a", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestLedgerSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), DatabaseFile)

	ledger, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, ledger.Add("hash-a", "command"))
	require.NoError(t, ledger.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	total, err := reopened.Total("hash-a", time.Time{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}
