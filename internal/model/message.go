// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for coaching conversations.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/lightertomorrow/coachkit/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Coach"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single turn in a conversation. Messages are immutable after
// creation; the conversation ID groups turns into one logical exchange.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewMessage creates a message with a generated ID and the current time.
func NewMessage(conversationID uuid.UUID, role Role, content string) Message {
	return Message{
		ID:             uuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now(),
	}
}

// NewUserMessage creates a new user message in the given conversation.
func NewUserMessage(conversationID uuid.UUID, content string) Message {
	return NewMessage(conversationID, RoleUser, content)
}

// NewAssistantMessage creates a new assistant message in the given conversation.
func NewAssistantMessage(conversationID uuid.UUID, content string) Message {
	return NewMessage(conversationID, RoleAssistant, content)
}

// Preview returns a truncated preview of the message content.
// Rune-based truncation keeps multi-byte characters intact.
func (m Message) Preview(maxLen int) string {
	return util.TruncateRunes(m.Content, maxLen)
}

// EstimateTokens gives a rough token estimate for the content.
// Uses the approximation of ~4 characters per token.
func (m Message) EstimateTokens() int {
	return (len(m.Content) + 3) / 4
}

// EstimateTokens sums the rough token estimate over a slice of messages.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += m.EstimateTokens()
	}
	return total
}
