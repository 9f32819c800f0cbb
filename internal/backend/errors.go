// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// ErrorType categorizes backend errors for handling.
type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotReady
	ErrTypeInvalidRequest
	ErrTypeBadRequest
	ErrTypeRateLimited
	ErrTypeServer
	ErrTypeGeneration
	ErrTypeTimeout
	ErrTypeInvalidResponse
)

// String returns the error type's name.
func (t ErrorType) String() string {
	switch t {
	case ErrTypeNotReady:
		return "not_ready"
	case ErrTypeInvalidRequest:
		return "invalid_request"
	case ErrTypeBadRequest:
		return "bad_request"
	case ErrTypeRateLimited:
		return "rate_limited"
	case ErrTypeServer:
		return "server"
	case ErrTypeGeneration:
		return "generation"
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// Error is a categorized backend failure. StatusCode is set only for errors
// originating from an HTTP exchange.
type Error struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Type, so sentinel comparisons via errors.Is work regardless
// of Message or Cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type
}

// Sentinel errors for type-based matching.
var (
	ErrNotReady        = &Error{Type: ErrTypeNotReady, Message: "model not loaded"}
	ErrInvalidRequest  = &Error{Type: ErrTypeInvalidRequest, Message: "invalid request"}
	ErrBadRequest      = &Error{Type: ErrTypeBadRequest, Message: "request rejected"}
	ErrRateLimited     = &Error{Type: ErrTypeRateLimited, Message: "rate limited"}
	ErrServer          = &Error{Type: ErrTypeServer, Message: "server error"}
	ErrGeneration      = &Error{Type: ErrTypeGeneration, Message: "generation failed"}
	ErrTimeout         = &Error{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrInvalidResponse = &Error{Type: ErrTypeInvalidResponse, Message: "invalid response"}
)

// TypeOf returns the ErrorType carried by err, or ErrTypeUnknown when err is
// not a backend error.
func TypeOf(err error) ErrorType {
	var be *Error
	if errors.As(err, &be) {
		return be.Type
	}
	return ErrTypeUnknown
}

// IsRateLimited reports whether err is a rate-limit failure.
func IsRateLimited(err error) bool {
	return TypeOf(err) == ErrTypeRateLimited
}

// IsNotReady reports whether err is a not-ready failure.
func IsNotReady(err error) bool {
	return TypeOf(err) == ErrTypeNotReady
}
