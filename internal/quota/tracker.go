// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package quota tracks token usage against a rolling monthly budget and
// gates outbound remote requests.
//
// The check-then-record sequence is closed against races: Reserve atomically
// checks the budget and provisionally records an estimate, which a later
// Commit replaces with actual usage (or Release cancels). Two in-flight
// requests can therefore never both pass the gate on the same remaining
// budget.
package quota

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMonthlyBudget is the token budget per monthly period.
const DefaultMonthlyBudget = 100_000

// defaultWarningThreshold is the usage fraction at which the one-time
// warning fires.
const defaultWarningThreshold = 0.80

// =============================================================================
// TRACKER
// =============================================================================

// Tracker owns the usage state for the current billing period.
// All methods are safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	state State

	// reserved holds provisional tokens for in-flight requests.
	// Never persisted: a crash releases all reservations.
	reserved int

	budget           int
	warningThreshold float64
	store            StateStore
	logger           *zap.Logger
	now              func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBudget overrides the monthly token budget.
func WithBudget(budget int) Option {
	return func(t *Tracker) { t.budget = budget }
}

// WithWarningThreshold overrides the usage fraction that triggers the warning.
func WithWarningThreshold(fraction float64) Option {
	return func(t *Tracker) { t.warningThreshold = fraction }
}

// WithClock injects a clock. Tests use this to drive period rollover.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates a tracker backed by the given state store.
// State is created lazily on first use if the store holds nothing yet.
func NewTracker(store StateStore, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		budget:           DefaultMonthlyBudget,
		warningThreshold: defaultWarningThreshold,
		store:            store,
		logger:           zap.NewNop(),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}
	if loaded != nil {
		t.state = *loaded
	}
	if t.state.PeriodStart.IsZero() {
		t.state.PeriodStart = t.now()
		if err := store.Save(&t.state); err != nil {
			return nil, err
		}
	}

	return t, nil
}

// =============================================================================
// GATING
// =============================================================================

// CanMakeRequest reports whether budget remains in the current period.
// Read-only apart from period rollover; safe to call before every request.
func (t *Tracker) CanMakeRequest() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.usedLocked()+t.reserved < t.budget
}

// Reservation is a provisional claim on the budget for one in-flight request.
// Exactly one of Commit or Release must be called.
type Reservation struct {
	tracker  *Tracker
	estimate int
	settled  bool
}

// Reserve atomically checks the budget and claims an estimated token count
// for an in-flight request. Returns (nil, false) when the budget (including
// outstanding reservations) is exhausted.
func (t *Tracker) Reserve(estimatedTokens int) (*Reservation, bool) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	if t.usedLocked()+t.reserved >= t.budget {
		return nil, false
	}

	t.reserved += estimatedTokens
	return &Reservation{tracker: t, estimate: estimatedTokens}, true
}

// Commit replaces the reservation's estimate with actual usage and persists.
// Call exactly once per completed remote exchange, never on failures.
func (r *Reservation) Commit(inputTokens, outputTokens int) error {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.settled {
		return nil
	}
	r.settled = true
	t.reserved -= r.estimate

	t.rolloverLocked()
	t.state.InputTokens += inputTokens
	t.state.OutputTokens += outputTokens

	t.logger.Info("recorded token usage",
		zap.Int("input_tokens", inputTokens),
		zap.Int("output_tokens", outputTokens),
		zap.Int("used", t.usedLocked()),
		zap.Int("budget", t.budget))

	return t.store.Save(&t.state)
}

// Release cancels the reservation without recording usage.
// Call on failed or aborted requests. Idempotent.
func (r *Reservation) Release() {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.settled {
		return
	}
	r.settled = true
	t.reserved -= r.estimate
}

// RecordUsage adds actual usage directly, without a prior reservation.
func (t *Tracker) RecordUsage(inputTokens, outputTokens int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	t.state.InputTokens += inputTokens
	t.state.OutputTokens += outputTokens
	return t.store.Save(&t.state)
}

// =============================================================================
// READS
// =============================================================================

// RemainingTokens returns budget minus usage for the current period,
// floored at zero. Outstanding reservations are not counted.
func (t *Tracker) RemainingTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	remaining := t.budget - t.usedLocked()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UsedTokens returns cumulative usage for the current period.
func (t *Tracker) UsedTokens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.usedLocked()
}

// Budget returns the monthly token budget.
func (t *Tracker) Budget() int {
	return t.budget
}

// RenewalDate returns when the next period begins (period start + 1 month).
func (t *Tracker) RenewalDate() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()
	return t.state.PeriodStart.AddDate(0, 1, 0)
}

// RenewalDateString returns the renewal date formatted for display.
func (t *Tracker) RenewalDateString() string {
	return t.RenewalDate().Format("January 2, 2006")
}

// ShouldShowWarning reports whether usage crossed the warning threshold and
// the warning has not been shown this period.
func (t *Tracker) ShouldShowWarning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolloverLocked()

	if t.state.WarningShown {
		return false
	}
	return float64(t.usedLocked()) >= t.warningThreshold*float64(t.budget)
}

// MarkWarningShown suppresses further warnings for the current period.
// Idempotent.
func (t *Tracker) MarkWarningShown() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.WarningShown {
		return nil
	}
	t.state.WarningShown = true
	return t.store.Save(&t.state)
}

// =============================================================================
// INTERNALS
// =============================================================================

func (t *Tracker) usedLocked() int {
	return t.state.InputTokens + t.state.OutputTokens
}

// rolloverLocked advances the period when "now" has crossed one or more
// monthly boundaries. The period start moves forward by whole months rather
// than snapping to "now", so the renewal day-of-month stays stable even
// after the app sat unused for several periods.
func (t *Tracker) rolloverLocked() {
	now := t.now()
	rolled := false

	for !now.Before(t.state.PeriodStart.AddDate(0, 1, 0)) {
		t.state.PeriodStart = t.state.PeriodStart.AddDate(0, 1, 0)
		rolled = true
	}

	if rolled {
		t.logger.Info("usage period rolled over",
			zap.Time("period_start", t.state.PeriodStart),
			zap.Int("previous_used", t.usedLocked()))
		t.state.InputTokens = 0
		t.state.OutputTokens = 0
		t.state.WarningShown = false
		if err := t.store.Save(&t.state); err != nil {
			t.logger.Error("failed to persist rollover", zap.Error(err))
		}
	}
}
