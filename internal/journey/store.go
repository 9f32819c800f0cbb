// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package journey stores the user's daily practice: morning intentions,
// night reflections, success notes, and setbacks. It also derives the
// whitelisted facts the coach may see. Setbacks are recorded for the user's
// own history and never leave this package.
package journey

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lightertomorrow/coachkit/internal/prompt"
)

// factsSuccessLimit caps how many recent successes feed coach context.
const factsSuccessLimit = 5

// Event identifies a routine completion.
type Event string

const (
	EventMorningDone Event = "morning_done"
	EventNightDone   Event = "night_done"
)

// =============================================================================
// TYPES
// =============================================================================

// DailyEntry is one day's practice record.
type DailyEntry struct {
	Day                time.Time
	WhyThisMatters     string
	IdentityStatement  string
	TodaysFocus        string
	StressResponsePlan string
	MorningDone        bool
	NightDone          bool
}

// SuccessNote is one recorded win.
type SuccessNote struct {
	ID   int64
	Day  time.Time
	Note string
}

// =============================================================================
// STORE
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS daily_entries (
	day INTEGER PRIMARY KEY,
	why_this_matters TEXT NOT NULL DEFAULT '',
	identity_statement TEXT NOT NULL DEFAULT '',
	todays_focus TEXT NOT NULL DEFAULT '',
	stress_response TEXT NOT NULL DEFAULT '',
	morning_done INTEGER NOT NULL DEFAULT 0,
	night_done INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS success_notes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	day INTEGER NOT NULL,
	note TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_success_day ON success_notes(day);

CREATE TABLE IF NOT EXISTS setbacks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	day INTEGER NOT NULL,
	note TEXT NOT NULL
);
`

// Store persists journey data in SQLite.
type Store struct {
	db       *sql.DB
	logger   *zap.Logger
	listener func(Event)
}

// Open creates or opens the journey database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journey db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journey schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetEventListener registers a callback invoked when a routine completes.
// Only one listener is supported; a later call replaces the earlier one.
func (s *Store) SetEventListener(fn func(Event)) {
	s.listener = fn
}

func (s *Store) emit(event Event) {
	if s.listener != nil {
		s.listener(event)
	}
}

// dayKey normalizes a time to its local midnight unix value, the primary key
// for daily entries.
func dayKey(t time.Time) int64 {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location()).Unix()
}

// =============================================================================
// DAILY ENTRIES
// =============================================================================

// UpsertEntry writes the day's practice fields, creating the row if needed.
// Completion flags are managed separately and preserved.
func (s *Store) UpsertEntry(ctx context.Context, entry DailyEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_entries (day, why_this_matters, identity_statement, todays_focus, stress_response)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			why_this_matters = excluded.why_this_matters,
			identity_statement = excluded.identity_statement,
			todays_focus = excluded.todays_focus,
			stress_response = excluded.stress_response`,
		dayKey(entry.Day), entry.WhyThisMatters, entry.IdentityStatement,
		entry.TodaysFocus, entry.StressResponsePlan)
	if err != nil {
		return fmt.Errorf("upsert daily entry: %w", err)
	}
	return nil
}

// Entry returns the entry for the given day, or nil when none exists.
func (s *Store) Entry(ctx context.Context, day time.Time) (*DailyEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT day, why_this_matters, identity_statement, todays_focus, stress_response, morning_done, night_done
		FROM daily_entries WHERE day = ?`, dayKey(day))

	var entry DailyEntry
	var dayUnix int64
	err := row.Scan(&dayUnix, &entry.WhyThisMatters, &entry.IdentityStatement,
		&entry.TodaysFocus, &entry.StressResponsePlan, &entry.MorningDone, &entry.NightDone)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load daily entry: %w", err)
	}
	entry.Day = time.Unix(dayUnix, 0)
	return &entry, nil
}

// CompleteMorningRoutine marks today's morning routine done and emits
// EventMorningDone. Creates the day's entry if it does not exist yet.
func (s *Store) CompleteMorningRoutine(ctx context.Context, now time.Time) error {
	if err := s.setFlag(ctx, now, "morning_done"); err != nil {
		return err
	}
	s.logger.Info("morning routine completed")
	s.emit(EventMorningDone)
	return nil
}

// CompleteNightPrep marks tonight's preparation done and emits
// EventNightDone.
func (s *Store) CompleteNightPrep(ctx context.Context, now time.Time) error {
	if err := s.setFlag(ctx, now, "night_done"); err != nil {
		return err
	}
	s.logger.Info("night prep completed")
	s.emit(EventNightDone)
	return nil
}

func (s *Store) setFlag(ctx context.Context, now time.Time, column string) error {
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
		INSERT INTO daily_entries (day, %s) VALUES (?, 1)
		ON CONFLICT(day) DO UPDATE SET %s = 1`, column, column)
	if _, err := s.db.ExecContext(ctx, query, dayKey(now)); err != nil {
		return fmt.Errorf("mark %s: %w", column, err)
	}
	return nil
}

// =============================================================================
// SUCCESSES AND SETBACKS
// =============================================================================

// AddSuccess records a win for the given day.
func (s *Store) AddSuccess(ctx context.Context, day time.Time, note string) error {
	if note == "" {
		return fmt.Errorf("add success: empty note")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO success_notes (day, note) VALUES (?, ?)`, dayKey(day), note); err != nil {
		return fmt.Errorf("add success: %w", err)
	}
	return nil
}

// RecentSuccesses returns up to limit most recent success notes, newest
// first.
func (s *Store) RecentSuccesses(ctx context.Context, limit int) ([]SuccessNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, day, note FROM success_notes ORDER BY day DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load successes: %w", err)
	}
	defer rows.Close()

	var notes []SuccessNote
	for rows.Next() {
		var note SuccessNote
		var dayUnix int64
		if err := rows.Scan(&note.ID, &dayUnix, &note.Note); err != nil {
			return nil, fmt.Errorf("scan success: %w", err)
		}
		note.Day = time.Unix(dayUnix, 0)
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

// AddSetback records a setback. Setbacks inform the user's own review
// screens only; Facts never includes them.
func (s *Store) AddSetback(ctx context.Context, day time.Time, note string) error {
	if note == "" {
		return fmt.Errorf("add setback: empty note")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO setbacks (day, note) VALUES (?, ?)`, dayKey(day), note); err != nil {
		return fmt.Errorf("add setback: %w", err)
	}
	return nil
}

// =============================================================================
// DERIVED FACTS
// =============================================================================

// StreakDays returns the length of the unbroken run of days ending today (or
// yesterday, if today has no completion yet) where the morning routine was
// done.
func (s *Store) StreakDays(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day FROM daily_entries WHERE morning_done = 1 ORDER BY day DESC`)
	if err != nil {
		return 0, fmt.Errorf("load streak: %w", err)
	}
	defer rows.Close()

	expected := dayKey(now)
	const daySeconds = 24 * 60 * 60
	streak := 0
	first := true

	for rows.Next() {
		var day int64
		if err := rows.Scan(&day); err != nil {
			return 0, fmt.Errorf("scan streak day: %w", err)
		}
		if first && day == expected-daySeconds {
			// Today not done yet; streak still alive through yesterday.
			expected = day
		}
		first = false
		if day != expected {
			break
		}
		streak++
		expected -= daySeconds
	}
	return streak, rows.Err()
}

// DaysUsingApp returns the count of distinct days with any entry.
func (s *Store) DaysUsingApp(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM daily_entries`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count days: %w", err)
	}
	return count, nil
}

// Facts assembles the whitelisted journey view for coach context: today's
// entry fields, recent wins, streak, and tenure. Setbacks are deliberately
// absent.
func (s *Store) Facts(ctx context.Context, now time.Time) (prompt.JourneyFacts, error) {
	var facts prompt.JourneyFacts

	entry, err := s.Entry(ctx, now)
	if err != nil {
		return facts, err
	}
	if entry != nil {
		facts.WhyThisMatters = entry.WhyThisMatters
		facts.IdentityStatement = entry.IdentityStatement
		facts.TodaysFocus = entry.TodaysFocus
		facts.StressResponsePlan = entry.StressResponsePlan
	}

	successes, err := s.RecentSuccesses(ctx, factsSuccessLimit)
	if err != nil {
		return facts, err
	}
	for _, note := range successes {
		facts.RecentSuccesses = append(facts.RecentSuccesses, note.Note)
	}

	if facts.StreakDays, err = s.StreakDays(ctx, now); err != nil {
		return facts, err
	}
	if facts.DaysUsingApp, err = s.DaysUsingApp(ctx); err != nil {
		return facts, err
	}
	return facts, nil
}
