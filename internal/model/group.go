// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CONVERSATION GROUPS
// =============================================================================

// ConversationGroup is a derived view of one conversation: all messages
// sharing a conversation ID with their computed time bounds. Groups are
// recomputed on every query and never persisted.
type ConversationGroup struct {
	ConversationID uuid.UUID
	Day            time.Time // start of the calendar day of the first message
	StartTime      time.Time
	EndTime        time.Time
	Messages       []Message // sorted by timestamp ascending
}

// Preview returns a short preview from the first user message in the group.
func (g ConversationGroup) Preview(maxLen int) string {
	for _, m := range g.Messages {
		if m.Role == RoleUser && m.Content != "" {
			return m.Preview(maxLen)
		}
	}
	return ""
}

// MessageCount returns the number of messages in the group.
func (g ConversationGroup) MessageCount() int {
	return len(g.Messages)
}

// GroupMessages groups messages by conversation ID and sorts the groups for
// display: most recent day first, ties broken by which conversation started
// later in the day. Two conversations on the same calendar day stay separate
// because grouping is by conversation ID, never by day.
func GroupMessages(messages []Message) []ConversationGroup {
	if len(messages) == 0 {
		return nil
	}

	byConversation := make(map[uuid.UUID][]Message)
	for _, m := range messages {
		byConversation[m.ConversationID] = append(byConversation[m.ConversationID], m)
	}

	groups := make([]ConversationGroup, 0, len(byConversation))
	for id, msgs := range byConversation {
		sort.SliceStable(msgs, func(i, j int) bool {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		})

		start := msgs[0].Timestamp
		end := msgs[len(msgs)-1].Timestamp
		groups = append(groups, ConversationGroup{
			ConversationID: id,
			Day:            startOfDay(start),
			StartTime:      start,
			EndTime:        end,
			Messages:       msgs,
		})
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if !groups[i].Day.Equal(groups[j].Day) {
			return groups[i].Day.After(groups[j].Day)
		}
		return groups[i].StartTime.After(groups[j].StartTime)
	})

	return groups
}

// startOfDay truncates a time to midnight in its own location.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
