// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hybrid coordinates the chat session: backend lifecycle, quota
// gating for remote generations, context assembly, persistence ordering, and
// the user-facing text produced for every failure class.
//
// The coordinator's Generate never leaks backend errors to its caller. A
// failed generation becomes readable chat text; the returned error is
// reserved for persistence failures, where the conversation record itself is
// at risk.
package hybrid

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lightertomorrow/coachkit/internal/backend"
	"github.com/lightertomorrow/coachkit/internal/model"
	"github.com/lightertomorrow/coachkit/internal/prompt"
	"github.com/lightertomorrow/coachkit/internal/quota"
)

// NotReadyResponse is returned while the active backend is still loading.
const NotReadyResponse = "AI model not loaded yet. Please wait..."

// busyResponse is returned when a generation is already in flight.
const busyResponse = "I'm still working on your last message. Give me just a moment."

// remoteCompletionAllowance is the provisional claim for the response side
// of a remote exchange, matching the per-request completion cap.
const remoteCompletionAllowance = 2000

// =============================================================================
// DEPENDENCIES
// =============================================================================

// MessageStore is the slice of the conversation store the coordinator needs.
type MessageStore interface {
	Append(ctx context.Context, msg model.Message) error
	AllMessages(ctx context.Context) ([]model.Message, error)
	MessagesForConversation(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error)
	MessagesInRange(ctx context.Context, start, end time.Time) ([]model.Message, error)
}

// JourneySource supplies the whitelisted journey facts for coach context.
type JourneySource interface {
	Facts(ctx context.Context, now time.Time) (prompt.JourneyFacts, error)
}

// State describes backend readiness.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
)

// String returns the state's display name.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unloaded"
	}
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Config holds coordinator settings.
type Config struct {
	// ShareJourneyData gates whether journey facts ever reach a backend.
	ShareJourneyData bool
}

// Coordinator owns one chat session over a switchable backend.
type Coordinator struct {
	mu sync.Mutex

	active   backend.Backend
	state    State
	busy     bool
	store    MessageStore
	journey  JourneySource
	tracker  *quota.Tracker
	builder  *prompt.Builder
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
	history  []model.Message
	convID   uuid.UUID
	onWarn   func(message string)
}

// New creates a coordinator. journey may be nil when no journey store is
// configured; facts are then simply absent from context.
func New(active backend.Backend, store MessageStore, journey JourneySource, tracker *quota.Tracker, cfg Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		active:  active,
		store:   store,
		journey: journey,
		tracker: tracker,
		builder: prompt.NewBuilder(),
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
		convID:  uuid.New(),
	}
}

// ActiveKind returns the active backend's kind.
func (c *Coordinator) ActiveKind() backend.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Kind()
}

// State returns the current readiness state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID returns the active conversation's ID.
func (c *Coordinator) ConversationID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convID
}

// SetUsageWarningFunc registers the callback invoked once per period when
// usage crosses the warning threshold.
func (c *Coordinator) SetUsageWarningFunc(fn func(message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWarn = fn
}

// SetShareJourneyData toggles journey sharing at runtime, so a config reload
// takes effect on the next generation.
func (c *Coordinator) SetShareJourneyData(share bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ShareJourneyData = share
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Load brings the active backend up. Safe to call repeatedly.
func (c *Coordinator) Load(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateLoading {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLoading
	active := c.active
	c.mu.Unlock()

	err := active.Load(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateUnloaded
		c.logger.Warn("backend load failed",
			zap.String("backend", active.Kind().String()),
			zap.Error(err))
		return err
	}
	c.state = StateReady
	c.logger.Info("backend ready", zap.String("backend", active.Kind().String()))
	return nil
}

// SwitchBackend swaps the active backend, clears the in-memory history, and
// loads the new backend. Persisted conversations are untouched; the session
// simply starts fresh on the other side.
func (c *Coordinator) SwitchBackend(ctx context.Context, next backend.Backend) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return fmt.Errorf("switch backend: generation in progress")
	}
	prev := c.active
	prev.Unload()
	c.active = next
	c.state = StateUnloaded
	c.history = nil
	c.convID = uuid.New()
	c.mu.Unlock()

	c.logger.Info("switched backend",
		zap.String("from", prev.Kind().String()),
		zap.String("to", next.Kind().String()))

	return c.Load(ctx)
}

// StartNewConversation begins a fresh conversation, clearing in-memory
// history only.
func (c *Coordinator) StartNewConversation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.convID = uuid.New()
}

// History returns a copy of the in-memory session history.
func (c *Coordinator) History() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Message, len(c.history))
	copy(out, c.history)
	return out
}

// =============================================================================
// HISTORY LOADING
// =============================================================================

// LoadHistory restores the full persisted history into the session and
// adopts the most recent message's conversation ID, so new messages continue
// that conversation.
func (c *Coordinator) LoadHistory(ctx context.Context) error {
	messages, err := c.store.AllMessages(ctx)
	if err != nil {
		return err
	}
	c.adopt(messages)
	return nil
}

// LoadConversationByID restores one conversation into the session.
func (c *Coordinator) LoadConversationByID(ctx context.Context, conversationID uuid.UUID) error {
	messages, err := c.store.MessagesForConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = messages
	c.convID = conversationID
	return nil
}

// LoadConversationInRange restores the messages within [start, end] into the
// session.
func (c *Coordinator) LoadConversationInRange(ctx context.Context, start, end time.Time) error {
	messages, err := c.store.MessagesInRange(ctx, start, end)
	if err != nil {
		return err
	}
	c.adopt(messages)
	return nil
}

func (c *Coordinator) adopt(messages []model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = messages
	if len(messages) > 0 {
		c.convID = messages[len(messages)-1].ConversationID
	} else {
		c.convID = uuid.New()
	}
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate produces the assistant's reply to userMessage. The returned
// string is always displayable chat text; the error is non-nil only when
// persisting the exchange failed.
//
// Ordering: the user's message is persisted before the assistant's reply,
// and neither is persisted when the request is refused up front (not ready,
// busy, or out of quota).
func (c *Coordinator) Generate(ctx context.Context, userMessage string) (string, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return NotReadyResponse, nil
	}
	if c.busy {
		c.mu.Unlock()
		return busyResponse, nil
	}
	c.busy = true
	active := c.active
	convID := c.convID
	history := make([]model.Message, len(c.history))
	copy(history, c.history)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	promptContext := c.buildContext(ctx, history)

	// Quota gates remote generations only; on-device inference is free.
	// The reservation claims an estimate of the full exchange, replaced by
	// actual usage on commit.
	var reservation *quota.Reservation
	if active.Kind() == backend.KindRemote {
		estimate := estimateTokens(userMessage) + estimateTokens(promptContext) + remoteCompletionAllowance
		res, ok := c.tracker.Reserve(estimate)
		if !ok {
			return c.quotaExceededText(), nil
		}
		reservation = res
	}

	result, genErr := active.Generate(ctx, userMessage, promptContext)

	var responseText string
	if genErr != nil {
		if reservation != nil {
			reservation.Release()
		}
		c.logger.Warn("generation failed",
			zap.String("backend", active.Kind().String()),
			zap.Error(genErr))
		responseText = errorText(genErr, c.tracker)
	} else {
		responseText = result.Text
		if result.IsCrisis && result.Resources != nil {
			responseText = appendResources(responseText, result.Resources)
		}
		if reservation != nil {
			if err := reservation.Commit(result.Usage.PromptTokens, result.Usage.CompletionTokens); err != nil {
				c.logger.Error("failed to record usage", zap.Error(err))
			}
			c.maybeWarn()
		}
	}

	userMsg := model.NewUserMessage(convID, userMessage)
	assistantMsg := model.NewAssistantMessage(convID, responseText)

	if err := c.store.Append(ctx, userMsg); err != nil {
		return responseText, fmt.Errorf("persist user message: %w", err)
	}
	if err := c.store.Append(ctx, assistantMsg); err != nil {
		return responseText, fmt.Errorf("persist assistant message: %w", err)
	}

	c.mu.Lock()
	c.history = append(c.history, userMsg, assistantMsg)
	c.mu.Unlock()

	return responseText, nil
}

func (c *Coordinator) buildContext(ctx context.Context, history []model.Message) string {
	c.mu.Lock()
	share := c.cfg.ShareJourneyData
	c.mu.Unlock()

	var facts prompt.JourneyFacts
	if share && c.journey != nil {
		loaded, err := c.journey.Facts(ctx, c.now())
		if err != nil {
			c.logger.Warn("failed to load journey facts", zap.Error(err))
		} else {
			facts = loaded
		}
	}
	return c.builder.BuildFullContext(facts, history)
}

func (c *Coordinator) quotaExceededText() string {
	return fmt.Sprintf(
		"You've reached your monthly token limit (%d tokens). Your usage will reset on %s. Please try again after the reset.",
		c.tracker.Budget(), c.tracker.RenewalDateString())
}

func (c *Coordinator) maybeWarn() {
	if !c.tracker.ShouldShowWarning() {
		return
	}
	if err := c.tracker.MarkWarningShown(); err != nil {
		c.logger.Error("failed to persist warning flag", zap.Error(err))
	}

	c.mu.Lock()
	warn := c.onWarn
	c.mu.Unlock()
	if warn != nil {
		warn(fmt.Sprintf(
			"Heads up: you've used most of this month's AI quota. It renews on %s.",
			c.tracker.RenewalDateString()))
	}
}

// estimateTokens mirrors the rough four-characters-per-token heuristic used
// for message previews and budget math.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// errorText maps a backend failure to the chat text shown in its place.
func errorText(err error, tracker *quota.Tracker) string {
	switch backend.TypeOf(err) {
	case backend.ErrTypeNotReady:
		return NotReadyResponse
	case backend.ErrTypeRateLimited:
		return fmt.Sprintf(
			"The coaching service is busy right now. Your quota renews on %s; on-device coaching is always available.",
			tracker.RenewalDateString())
	case backend.ErrTypeTimeout:
		return "That took longer than expected and timed out. Mind trying again?"
	case backend.ErrTypeBadRequest, backend.ErrTypeInvalidRequest:
		return "I couldn't process that message. Could you rephrase it?"
	case backend.ErrTypeServer, backend.ErrTypeInvalidResponse:
		return "The coaching service hit a snag. Please try again in a moment."
	case backend.ErrTypeGeneration:
		return "I had trouble generating a response. Please try again."
	default:
		return "Something went wrong on my end. Please try again."
	}
}

// appendResources attaches crisis support lines beneath the response.
func appendResources(text string, res *backend.CrisisResources) string {
	out := text
	if res.Message != "" {
		out += "\n\n" + res.Message
	}
	if res.Hotline != "" {
		out += "\nCall: " + res.Hotline
	}
	if res.TextLine != "" {
		out += "\n" + res.TextLine
	}
	return out
}
