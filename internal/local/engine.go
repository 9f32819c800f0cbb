// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package local implements the on-device chat backend: an Ollama-compatible
// runtime hosting a small coaching model, wrapped behind the shared backend
// contract.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lightertomorrow/coachkit/internal/backend"
)

// Runtime defaults.
const (
	// DefaultRuntimeURL is the Ollama-compatible runtime endpoint.
	DefaultRuntimeURL = "http://localhost:11434"

	// DefaultModel is the on-device coaching model.
	DefaultModel = "llama3.2:3b"

	// defaultGenerateTimeout bounds a single completion.
	defaultGenerateTimeout = 120 * time.Second
)

// =============================================================================
// ENGINE CONTRACT
// =============================================================================

// Completion is the raw output of one on-device generation.
type Completion struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

// Engine abstracts the model runtime so the backend can be tested without a
// live runtime process.
type Engine interface {
	// Ping reports whether the runtime is reachable.
	Ping(ctx context.Context) error

	// LoadModel pulls the model into memory. Blocks until the model is
	// resident or ctx expires.
	LoadModel(ctx context.Context, model string) error

	// Complete runs one generation with the given system prompt and user
	// turn.
	Complete(ctx context.Context, model, system, user string) (*Completion, error)
}

// =============================================================================
// RUNTIME ENGINE
// =============================================================================

// chatMessage is a single turn in the runtime chat payload.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// runtimeChatRequest is the POST /api/chat payload.
type runtimeChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// runtimeChatResponse is the non-streaming /api/chat response.
type runtimeChatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// runtimeError is the runtime's error body.
type runtimeError struct {
	Error string `json:"error"`
}

// RuntimeEngine talks to an Ollama-compatible runtime over HTTP.
type RuntimeEngine struct {
	baseURL    string
	httpClient *http.Client
}

// NewRuntimeEngine creates an engine for the given runtime URL.
// An empty URL means DefaultRuntimeURL.
func NewRuntimeEngine(baseURL string) *RuntimeEngine {
	if baseURL == "" {
		baseURL = DefaultRuntimeURL
	}
	return &RuntimeEngine{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: defaultGenerateTimeout,
		},
	}
}

func (e *RuntimeEngine) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/api/tags", nil)
	if err != nil {
		return &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "failed to create request", Cause: err}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return &backend.Error{Type: backend.ErrTypeNotReady, Message: "model runtime not running", Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &backend.Error{
			Type:       backend.ErrTypeNotReady,
			Message:    "model runtime unhealthy",
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

// LoadModel sends an empty chat to force the runtime to page the model in.
// The runtime holds the request until the model is resident.
func (e *RuntimeEngine) LoadModel(ctx context.Context, model string) error {
	body, err := json.Marshal(runtimeChatRequest{Model: model, Stream: false})
	if err != nil {
		return &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "failed to encode load request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "failed to create load request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &backend.Error{Type: backend.ErrTypeTimeout, Message: "model load timed out", Cause: err}
		}
		return &backend.Error{Type: backend.ErrTypeNotReady, Message: "model runtime not running", Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return &backend.Error{
			Type:    backend.ErrTypeNotReady,
			Message: fmt.Sprintf("model %q not found in runtime", model),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &backend.Error{
			Type:       backend.ErrTypeNotReady,
			Message:    "model load failed",
			StatusCode: resp.StatusCode,
		}
	}
	return nil
}

func (e *RuntimeEngine) Complete(ctx context.Context, model, system, user string) (*Completion, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(runtimeChatRequest{Model: model, Messages: messages, Stream: false})
	if err != nil {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &backend.Error{Type: backend.ErrTypeTimeout, Message: "generation timed out", Cause: err}
		}
		return nil, &backend.Error{Type: backend.ErrTypeGeneration, Message: "generation request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var runtimeErr runtimeError
		if err := json.NewDecoder(resp.Body).Decode(&runtimeErr); err == nil && runtimeErr.Error != "" {
			return nil, &backend.Error{
				Type:       backend.ErrTypeGeneration,
				Message:    runtimeErr.Error,
				StatusCode: resp.StatusCode,
			}
		}
		return nil, &backend.Error{
			Type:       backend.ErrTypeGeneration,
			Message:    "generation failed: " + resp.Status,
			StatusCode: resp.StatusCode,
		}
	}

	var parsed runtimeChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}

	return &Completion{
		Text:         parsed.Message.Content,
		PromptTokens: parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
	}, nil
}
