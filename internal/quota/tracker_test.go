// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package quota

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestTracker(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	tr, err := NewTracker(NewMemoryStore(), opts...)
	require.NoError(t, err)
	return tr
}

func TestFreshTrackerHasFullBudget(t *testing.T) {
	tr := newTestTracker(t)
	assert.True(t, tr.CanMakeRequest())
	assert.Equal(t, DefaultMonthlyBudget, tr.RemainingTokens())
	assert.Equal(t, 0, tr.UsedTokens())
}

func TestRecordUsageReducesRemaining(t *testing.T) {
	tr := newTestTracker(t)
	require.NoError(t, tr.RecordUsage(1000, 500))
	assert.Equal(t, 1500, tr.UsedTokens())
	assert.Equal(t, DefaultMonthlyBudget-1500, tr.RemainingTokens())
}

func TestRemainingFloorsAtZero(t *testing.T) {
	tr := newTestTracker(t, WithBudget(1000))
	require.NoError(t, tr.RecordUsage(900, 900))
	assert.Equal(t, 0, tr.RemainingTokens())
	assert.False(t, tr.CanMakeRequest())
}

func TestReserveCommitRecordsActuals(t *testing.T) {
	tr := newTestTracker(t, WithBudget(10_000))

	res, ok := tr.Reserve(2000)
	require.True(t, ok)
	require.NoError(t, res.Commit(300, 150))

	assert.Equal(t, 450, tr.UsedTokens())
	assert.Equal(t, 10_000-450, tr.RemainingTokens())
}

func TestReserveReleaseLeavesUsageUntouched(t *testing.T) {
	tr := newTestTracker(t, WithBudget(10_000))

	res, ok := tr.Reserve(2000)
	require.True(t, ok)
	res.Release()

	assert.Equal(t, 0, tr.UsedTokens())
	assert.Equal(t, 10_000, tr.RemainingTokens())
}

func TestReleaseIsIdempotent(t *testing.T) {
	tr := newTestTracker(t, WithBudget(10_000))

	res, ok := tr.Reserve(2000)
	require.True(t, ok)
	res.Release()
	res.Release()
	require.NoError(t, res.Commit(100, 100))

	// Settled reservation: Commit after Release is a no-op.
	assert.Equal(t, 0, tr.UsedTokens())
}

func TestOutstandingReservationsBlockNewRequests(t *testing.T) {
	tr := newTestTracker(t, WithBudget(1000))

	res, ok := tr.Reserve(1000)
	require.True(t, ok)

	_, ok = tr.Reserve(1)
	assert.False(t, ok, "budget fully reserved")
	assert.False(t, tr.CanMakeRequest())

	res.Release()
	assert.True(t, tr.CanMakeRequest())
}

func TestConcurrentReservesNeverOvercommit(t *testing.T) {
	tr := newTestTracker(t, WithBudget(1000))

	var mu sync.Mutex
	granted := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, ok := tr.Reserve(100); ok {
				mu.Lock()
				granted++
				mu.Unlock()
				_ = res.Commit(50, 50)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, granted, 10, "at most budget/estimate requests granted")
	assert.LessOrEqual(t, tr.UsedTokens(), 1000)
}

func TestRolloverResetsUsageAndWarning(t *testing.T) {
	start := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	now := start
	tr := newTestTracker(t, WithBudget(1000), WithClock(func() time.Time { return now }))

	require.NoError(t, tr.RecordUsage(500, 400))
	assert.True(t, tr.ShouldShowWarning())
	require.NoError(t, tr.MarkWarningShown())

	now = start.AddDate(0, 1, 1)
	assert.Equal(t, 0, tr.UsedTokens())
	assert.Equal(t, 1000, tr.RemainingTokens())
	assert.False(t, tr.ShouldShowWarning())
}

func TestRolloverAdvancesByWholeMonths(t *testing.T) {
	start := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	now := start
	tr := newTestTracker(t, WithClock(func() time.Time { return now }))

	// Three and a half months idle: period start lands on the same
	// day-of-month, not on "now".
	now = start.AddDate(0, 3, 14)
	renewal := tr.RenewalDate()
	assert.Equal(t, time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC), renewal)
}

func TestRenewalDateString(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, WithClock(fixedClock(start)))
	assert.Equal(t, "April 1, 2025", tr.RenewalDateString())
}

func TestWarningShownOncePerPeriod(t *testing.T) {
	tr := newTestTracker(t, WithBudget(1000))

	require.NoError(t, tr.RecordUsage(400, 400))
	assert.True(t, tr.ShouldShowWarning())
	require.NoError(t, tr.MarkWarningShown())
	assert.False(t, tr.ShouldShowWarning())

	require.NoError(t, tr.RecordUsage(100, 0))
	assert.False(t, tr.ShouldShowWarning())
}

func TestWarningBelowThresholdNotShown(t *testing.T) {
	tr := newTestTracker(t, WithBudget(1000))
	require.NoError(t, tr.RecordUsage(400, 300))
	assert.False(t, tr.ShouldShowWarning())
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	store := NewFileStore(path)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded, "no state yet")

	state := &State{
		InputTokens:  123,
		OutputTokens: 456,
		PeriodStart:  time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		WarningShown: true,
	}
	require.NoError(t, store.Save(state))

	loaded, err = store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, state.InputTokens, loaded.InputTokens)
	assert.Equal(t, state.OutputTokens, loaded.OutputTokens)
	assert.True(t, state.PeriodStart.Equal(loaded.PeriodStart))
	assert.True(t, loaded.WarningShown)
}

func TestTrackerPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.json")
	clock := fixedClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	tr, err := NewTracker(NewFileStore(path), WithBudget(1000), WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, tr.RecordUsage(200, 100))

	tr2, err := NewTracker(NewFileStore(path), WithBudget(1000), WithClock(clock))
	require.NoError(t, err)
	assert.Equal(t, 300, tr2.UsedTokens())
}
