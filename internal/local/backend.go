// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package local

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lightertomorrow/coachkit/internal/backend"
)

// DefaultLoadTimeout bounds how long Load waits for the model to become
// resident. A model that cannot load within this window leaves the backend
// not ready rather than hanging the caller.
const DefaultLoadTimeout = 30 * time.Second

// FallbackResponse is shown when the model produces empty output.
const FallbackResponse = "I'm here to support you on your wellness journey. How can I help you today?"

// coachingSystemPrompt frames the on-device model. The assembled journey and
// conversation context is appended per request.
const coachingSystemPrompt = `You are a warm, encouraging wellness coach. Keep responses under 120 words. Be specific and practical. Never give medical advice; suggest talking to a professional for health concerns. Speak plainly and kindly, like a trusted friend who believes in the user.`

// =============================================================================
// BACKEND
// =============================================================================

// Config holds local backend settings.
type Config struct {
	// RuntimeURL is the model runtime endpoint. Empty means the default.
	RuntimeURL string

	// Model is the runtime model name. Empty means DefaultModel.
	Model string

	// LoadTimeout bounds Load. Zero means DefaultLoadTimeout.
	LoadTimeout time.Duration
}

// Backend runs generations against the on-device model runtime.
type Backend struct {
	engine      Engine
	model       string
	loadTimeout time.Duration
	logger      *zap.Logger
	ready       bool
}

// NewBackend creates a local backend over an Ollama-compatible runtime.
func NewBackend(cfg Config, logger *zap.Logger) *Backend {
	return NewBackendWithEngine(NewRuntimeEngine(cfg.RuntimeURL), cfg, logger)
}

// NewBackendWithEngine creates a local backend over a caller-supplied engine.
// Tests inject fakes through this.
func NewBackendWithEngine(engine Engine, cfg Config, logger *zap.Logger) *Backend {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		engine:      engine,
		model:       cfg.Model,
		loadTimeout: cfg.LoadTimeout,
		logger:      logger,
	}
}

// Kind identifies this backend as local.
func (b *Backend) Kind() backend.Kind { return backend.KindLocal }

// Ready reports whether the model is loaded.
func (b *Backend) Ready() bool { return b.ready }

// Unload releases the model. The runtime evicts it on its own schedule; the
// backend just stops offering generations until the next Load.
func (b *Backend) Unload() {
	b.ready = false
	b.logger.Info("local model unloaded", zap.String("model", b.model))
}

// Load pings the runtime and pages the model in, bounded by the load
// timeout. Idempotent: a ready backend returns immediately.
func (b *Backend) Load(ctx context.Context) error {
	if b.ready {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, b.loadTimeout)
	defer cancel()

	if err := b.engine.Ping(ctx); err != nil {
		return err
	}

	start := time.Now()
	if err := b.engine.LoadModel(ctx, b.model); err != nil {
		return err
	}

	b.ready = true
	b.logger.Info("local model loaded",
		zap.String("model", b.model),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Generate runs one completion against the loaded model. Empty model output
// is replaced with the fallback response rather than surfaced as an error.
func (b *Backend) Generate(ctx context.Context, userMessage, promptContext string) (*backend.Result, error) {
	if !b.ready {
		return nil, &backend.Error{Type: backend.ErrTypeNotReady, Message: "local model not loaded"}
	}
	if strings.TrimSpace(userMessage) == "" {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "empty message"}
	}

	system := coachingSystemPrompt
	if promptContext != "" {
		system = system + "\n\n" + promptContext
	}

	completion, err := b.engine.Complete(ctx, b.model, system, userMessage)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(completion.Text)
	if text == "" {
		b.logger.Warn("model produced empty output, using fallback", zap.String("model", b.model))
		text = FallbackResponse
	}

	return &backend.Result{
		Text: text,
		Usage: backend.Usage{
			PromptTokens:     completion.PromptTokens,
			CompletionTokens: completion.OutputTokens,
			TotalTokens:      completion.PromptTokens + completion.OutputTokens,
		},
		Model: b.model,
	}, nil
}
