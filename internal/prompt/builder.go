// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt assembles the context string sent alongside each user
// message: a sliding window of recent conversation plus a curated summary of
// the user's journey. Only affirming journey facts are ever included;
// setbacks and struggle counts stay out of model context entirely.
package prompt

import (
	"fmt"
	"strings"

	"github.com/lightertomorrow/coachkit/internal/model"
)

// DefaultHistoryWindow is how many trailing messages feed the context.
const DefaultHistoryWindow = 10

// maxRecentSuccesses caps the success bullet list.
const maxRecentSuccesses = 5

// =============================================================================
// JOURNEY FACTS
// =============================================================================

// JourneyFacts is the whitelisted view of the user's journey that may reach
// a model. Anything not represented here is not sendable.
type JourneyFacts struct {
	WhyThisMatters     string
	IdentityStatement  string
	TodaysFocus        string
	StressResponsePlan string
	RecentSuccesses    []string
	StreakDays         int
	DaysUsingApp       int
}

// Empty reports whether no fact carries content.
func (f JourneyFacts) Empty() bool {
	return f.WhyThisMatters == "" &&
		f.IdentityStatement == "" &&
		f.TodaysFocus == "" &&
		f.StressResponsePlan == "" &&
		len(f.RecentSuccesses) == 0 &&
		f.StreakDays == 0 &&
		f.DaysUsingApp == 0
}

// =============================================================================
// BUILDER
// =============================================================================

// Builder constructs model context strings.
type Builder struct {
	// HistoryWindow is the number of trailing messages included in
	// conversation context. Zero means DefaultHistoryWindow.
	HistoryWindow int
}

// NewBuilder returns a builder with the default window.
func NewBuilder() *Builder {
	return &Builder{HistoryWindow: DefaultHistoryWindow}
}

func (b *Builder) window() int {
	if b.HistoryWindow <= 0 {
		return DefaultHistoryWindow
	}
	return b.HistoryWindow
}

// BuildConversationContext renders the last HistoryWindow messages
// oldest-first, each prefixed with its speaker tag. Returns "" when there is
// no history.
func (b *Builder) BuildConversationContext(messages []model.Message) string {
	if len(messages) == 0 {
		return ""
	}

	recent := messages
	if n := b.window(); len(recent) > n {
		recent = recent[len(recent)-n:]
	}

	lines := make([]string, 0, len(recent))
	for _, msg := range recent {
		tag := "[User]"
		if msg.Role == model.RoleAssistant {
			tag = "[Assistant]"
		}
		lines = append(lines, tag+": "+msg.Content)
	}
	return "Previous conversation:\n" + strings.Join(lines, "\n")
}

// BuildJourneyContext renders journey facts as a bullet list. Returns ""
// when no facts carry content, so an empty journey adds nothing to the
// prompt.
func (b *Builder) BuildJourneyContext(facts JourneyFacts) string {
	if facts.Empty() {
		return ""
	}

	var parts []string
	addFact := func(label, value string) {
		if value != "" {
			parts = append(parts, fmt.Sprintf("- %s: %s", label, value))
		}
	}
	addFact("Why this matters to them", facts.WhyThisMatters)
	addFact("Identity they're building", facts.IdentityStatement)
	addFact("Today's focus", facts.TodaysFocus)
	addFact("Their plan for stressful moments", facts.StressResponsePlan)

	successes := facts.RecentSuccesses
	if len(successes) > maxRecentSuccesses {
		successes = successes[:maxRecentSuccesses]
	}
	for _, success := range successes {
		if success != "" {
			parts = append(parts, "- Recent win: "+success)
		}
	}

	if facts.StreakDays > 0 {
		parts = append(parts, fmt.Sprintf("- Current streak: %d day(s)", facts.StreakDays))
	}
	if facts.DaysUsingApp > 0 {
		parts = append(parts, fmt.Sprintf("- Days on their journey: %d", facts.DaysUsingApp))
	}

	return "User's recent journey:\n" + strings.Join(parts, "\n")
}

// BuildFullContext joins conversation and journey context with a blank line,
// omitting whichever is empty.
func (b *Builder) BuildFullContext(facts JourneyFacts, messages []model.Message) string {
	parts := make([]string, 0, 2)
	if conversation := b.BuildConversationContext(messages); conversation != "" {
		parts = append(parts, conversation)
	}
	if journey := b.BuildJourneyContext(facts); journey != "" {
		parts = append(parts, journey)
	}
	return strings.Join(parts, "\n\n")
}
