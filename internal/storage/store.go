// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable conversation persistence for coachkit.
//
// The store is an append-only message log in SQLite. Messages are sorted by
// timestamp on read, so callers get a consistent order even when timestamps
// were supplied out of insertion order.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/lightertomorrow/coachkit/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// PersistenceError wraps a storage failure. Callers must not swallow these:
// silent data loss is unacceptable, so append and delete propagate them.
type PersistenceError struct {
	Op    string
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Cause != nil {
		return "storage: " + e.Op + ": " + e.Cause.Error()
	}
	return "storage: " + e.Op
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// IsPersistenceError reports whether err is a storage persistence failure.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// =============================================================================
// STORE
// =============================================================================

// rangeBuffer is the symmetric slack applied to time-range queries to absorb
// clock-granularity mismatches between query bounds and stored timestamps.
const rangeBuffer = time.Second

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	timestamp       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

// Store is the durable message log. It is safe for concurrent use.
//
// Reads are full or indexed scans; that is fine for the small local datasets
// a single user produces, and a known limitation for very large histories.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the message database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &PersistenceError{Op: "open database", Cause: err}
	}

	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent access.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &PersistenceError{Op: "create schema", Cause: err}
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// APPEND
// =============================================================================

// Append inserts a message. Messages are never mutated after insertion.
func (s *Store) Append(ctx context.Context, msg model.Message) error {
	if msg.ID == uuid.Nil {
		return &PersistenceError{Op: "append", Cause: errors.New("message ID is nil")}
	}
	if !msg.Role.Valid() {
		return &PersistenceError{Op: "append", Cause: fmt.Errorf("invalid role %q", msg.Role)}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.ConversationID.String(), string(msg.Role), msg.Content, msg.Timestamp.UnixNano(),
	)
	if err != nil {
		return &PersistenceError{Op: "append", Cause: err}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// AllMessages returns every stored message ordered by timestamp ascending.
func (s *Store) AllMessages(ctx context.Context) ([]model.Message, error) {
	return s.query(ctx,
		`SELECT id, conversation_id, role, content, timestamp FROM messages ORDER BY timestamp ASC, id ASC`)
}

// MessagesForConversation returns the messages of one conversation ordered by
// timestamp ascending.
func (s *Store) MessagesForConversation(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	return s.query(ctx,
		`SELECT id, conversation_id, role, content, timestamp FROM messages
		 WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC`,
		conversationID.String())
}

// MessagesInRange returns messages with timestamps in [start, end], both
// bounds widened by one second of slack.
func (s *Store) MessagesInRange(ctx context.Context, start, end time.Time) ([]model.Message, error) {
	return s.query(ctx,
		`SELECT id, conversation_id, role, content, timestamp FROM messages
		 WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC, id ASC`,
		start.Add(-rangeBuffer).UnixNano(), end.Add(rangeBuffer).UnixNano())
}

// GroupedConversations returns all stored messages grouped for display,
// most recent conversation first.
func (s *Store) GroupedConversations(ctx context.Context) ([]model.ConversationGroup, error) {
	messages, err := s.AllMessages(ctx)
	if err != nil {
		return nil, err
	}
	return model.GroupMessages(messages), nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "query messages", Cause: err}
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		var (
			idStr, convStr, role, content string
			ts                            int64
		)
		if err := rows.Scan(&idStr, &convStr, &role, &content, &ts); err != nil {
			return nil, &PersistenceError{Op: "scan message", Cause: err}
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, &PersistenceError{Op: "parse message ID", Cause: err}
		}
		convID, err := uuid.Parse(convStr)
		if err != nil {
			return nil, &PersistenceError{Op: "parse conversation ID", Cause: err}
		}

		messages = append(messages, model.Message{
			ID:             id,
			ConversationID: convID,
			Role:           model.Role(role),
			Content:        content,
			Timestamp:      time.Unix(0, ts),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "iterate messages", Cause: err}
	}

	return messages, nil
}

// =============================================================================
// DELETION
// =============================================================================

// DeleteConversation removes all messages sharing a conversation ID.
// The delete runs in a transaction: callers never observe a partially
// deleted conversation.
func (s *Store) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin delete", Cause: err}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = ?`, conversationID.String()); err != nil {
		tx.Rollback()
		return &PersistenceError{Op: "delete conversation", Cause: err}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit delete", Cause: err}
	}
	return nil
}

// DeleteAll removes every stored message.
func (s *Store) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return &PersistenceError{Op: "delete all", Cause: err}
	}
	return nil
}
