// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend defines the contract every model backend implements, plus
// the closed error taxonomy the coordinator maps to user-facing text.
package backend

import "context"

// =============================================================================
// BACKEND CONTRACT
// =============================================================================

// Kind identifies which class of backend is active.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// String returns the kind's wire/config name.
func (k Kind) String() string { return string(k) }

// DisplayName returns the kind's user-facing label.
func (k Kind) DisplayName() string {
	switch k {
	case KindLocal:
		return "On-Device"
	case KindRemote:
		return "Cloud"
	default:
		return string(k)
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindLocal || k == KindRemote
}

// Usage is the token accounting reported for one exchange.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CrisisResources carries support contacts returned when the remote service
// flags a message. Surfaced verbatim to the user, never altered.
type CrisisResources struct {
	Hotline  string `json:"hotline,omitempty"`
	TextLine string `json:"textLine,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Result is one completed generation.
type Result struct {
	Text      string
	Usage     Usage
	Model     string
	IsCrisis  bool
	Resources *CrisisResources
}

// Backend generates responses to user messages. Implementations are safe for
// use from a single coordinator goroutine; they need not be re-entrant.
type Backend interface {
	// Load prepares the backend for generation. Idempotent: loading an
	// already-ready backend is a no-op.
	Load(ctx context.Context) error

	// Generate produces a response to userMessage given the assembled
	// promptContext. Returns a *Error on failure.
	Generate(ctx context.Context, userMessage, promptContext string) (*Result, error)

	// Unload releases resources and marks the backend not ready.
	Unload()

	// Ready reports whether Generate can be called.
	Ready() bool

	// Kind identifies the backend class.
	Kind() Kind
}
