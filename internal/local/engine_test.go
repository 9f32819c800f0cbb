// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightertomorrow/coachkit/internal/backend"
)

func TestRuntimeEnginePing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	engine := NewRuntimeEngine(server.URL)
	assert.NoError(t, engine.Ping(context.Background()))
}

func TestRuntimeEnginePingDown(t *testing.T) {
	engine := NewRuntimeEngine("http://localhost:1")
	err := engine.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, backend.IsNotReady(err))
}

func TestRuntimeEngineComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)

		var req runtimeChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)

		json.NewEncoder(w).Encode(runtimeChatResponse{
			Message:         chatMessage{Role: "assistant", Content: "breathe first"},
			Done:            true,
			PromptEvalCount: 30,
			EvalCount:       8,
		})
	}))
	defer server.Close()

	engine := NewRuntimeEngine(server.URL)
	completion, err := engine.Complete(context.Background(), "test-model", "be kind", "I'm stressed")
	require.NoError(t, err)
	assert.Equal(t, "breathe first", completion.Text)
	assert.Equal(t, 30, completion.PromptTokens)
	assert.Equal(t, 8, completion.OutputTokens)
}

func TestRuntimeEngineCompleteRuntimeError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(runtimeError{Error: "model crashed"})
	}))
	defer server.Close()

	engine := NewRuntimeEngine(server.URL)
	_, err := engine.Complete(context.Background(), "m", "", "hi")
	require.Error(t, err)
	assert.Equal(t, backend.ErrTypeGeneration, backend.TypeOf(err))
	assert.Contains(t, err.Error(), "model crashed")
}

func TestRuntimeEngineLoadModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	engine := NewRuntimeEngine(server.URL)
	err := engine.LoadModel(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, backend.IsNotReady(err))
	assert.Contains(t, err.Error(), "missing")
}
