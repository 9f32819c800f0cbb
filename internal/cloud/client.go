// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud implements the remote chat backend: a thin client for the
// hosted coaching service with health checks, rate limiting, and retry with
// exponential backoff on transient server errors.
//
// Rate-limit responses (429) are never retried: the user sees the quota
// message immediately rather than waiting out a backoff that cannot help.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lightertomorrow/coachkit/internal/backend"
)

// Configuration constants for the remote service.
const (
	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the retry count for transient server errors.
	DefaultMaxRetries = 3

	// DefaultMaxTokens caps the response length requested per exchange.
	DefaultMaxTokens = 2000

	// DefaultTemperature is the sampling temperature sent with each request.
	DefaultTemperature = 0.7

	// DefaultRequestsPerMinute bounds the outbound request rate.
	DefaultRequestsPerMinute = 30

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// maxResponseSize is the maximum allowed response body size.
	maxResponseSize = 1 * 1024 * 1024
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// chatRequest is the POST /chat payload.
type chatRequest struct {
	Message     string  `json:"message"`
	Context     string  `json:"context,omitempty"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

// chatResponse is the POST /chat response body.
type chatResponse struct {
	Response  string                   `json:"response"`
	Usage     backend.Usage            `json:"usage"`
	Model     string                   `json:"model"`
	Timestamp string                   `json:"timestamp"`
	IsCrisis  bool                     `json:"isCrisis,omitempty"`
	Resources *backend.CrisisResources `json:"resources,omitempty"`
}

// apiErrorResponse is the error body the service returns on non-200s.
type apiErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Config holds remote client settings.
type Config struct {
	// BaseURL is the service root, e.g. "https://coach.example.com".
	BaseURL string

	// ClientID is sent as the X-Client-ID header on every request.
	ClientID string

	MaxTokens         int
	Temperature       float64
	Timeout           time.Duration
	MaxRetries        int
	RequestsPerMinute int
}

// DefaultConfig returns a config with production defaults. BaseURL and
// ClientID must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		MaxTokens:         DefaultMaxTokens,
		Temperature:       DefaultTemperature,
		Timeout:           DefaultTimeout,
		MaxRetries:        DefaultMaxRetries,
		RequestsPerMinute: DefaultRequestsPerMinute,
	}
}

// Client is the remote coaching service backend.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	ready      bool
}

// NewClient creates a remote client. Defaults are filled for zero-valued
// config fields.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, &backend.Error{
			Type:    backend.ErrTypeInvalidRequest,
			Message: "remote base URL not configured",
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute),
		logger:  logger,
	}, nil
}

// Kind identifies this backend as remote.
func (c *Client) Kind() backend.Kind { return backend.KindRemote }

// Ready reports whether the last health check succeeded.
func (c *Client) Ready() bool { return c.ready }

// Unload marks the backend not ready. The next Load re-checks health.
func (c *Client) Unload() { c.ready = false }

// =============================================================================
// HEALTH
// =============================================================================

// Load verifies the service is reachable via GET /health. Idempotent: a
// ready client returns immediately.
func (c *Client) Load(ctx context.Context) error {
	if c.ready {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "failed to create health request", Cause: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &backend.Error{Type: backend.ErrTypeTimeout, Message: "health check timed out", Cause: err}
		}
		return &backend.Error{Type: backend.ErrTypeServer, Message: "service unreachable", Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))

	if resp.StatusCode != http.StatusOK {
		return &backend.Error{
			Type:       backend.ErrTypeServer,
			Message:    "service health check failed",
			StatusCode: resp.StatusCode,
		}
	}

	c.ready = true
	c.logger.Info("remote backend ready", zap.String("base_url", c.cfg.BaseURL))
	return nil
}

// =============================================================================
// GENERATION
// =============================================================================

// Generate sends the message and context to POST /chat and returns the
// service's response. Transient server errors are retried with exponential
// backoff; rate limiting and client errors fail immediately.
func (c *Client) Generate(ctx context.Context, userMessage, promptContext string) (*backend.Result, error) {
	if !c.ready {
		return nil, &backend.Error{Type: backend.ErrTypeNotReady, Message: "remote backend not loaded"}
	}
	if strings.TrimSpace(userMessage) == "" {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "empty message"}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &backend.Error{Type: backend.ErrTypeTimeout, Message: "cancelled while rate limited", Cause: err}
	}

	body, err := json.Marshal(chatRequest{
		Message:     userMessage,
		Context:     promptContext,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	})
	if err != nil {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "failed to encode request", Cause: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			c.logger.Debug("retrying chat request",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, &backend.Error{Type: backend.ErrTypeTimeout, Message: "cancelled during retry", Cause: ctx.Err()}
			case <-time.After(delay):
			}
		}

		result, err := c.doChat(ctx, body)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Only pure server errors are worth another attempt.
		if backend.TypeOf(err) != backend.ErrTypeServer {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doChat(ctx context.Context, body []byte) (*backend.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidRequest, Message: "failed to create request", Cause: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &backend.Error{Type: backend.ErrTypeTimeout, Message: "chat request timed out", Cause: err}
		}
		return nil, &backend.Error{Type: backend.ErrTypeServer, Message: "chat request failed", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidResponse, Message: "failed to read response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, data)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	if parsed.Response == "" {
		return nil, &backend.Error{Type: backend.ErrTypeInvalidResponse, Message: "response missing content"}
	}

	c.logger.Debug("chat completed",
		zap.String("model", parsed.Model),
		zap.Int("total_tokens", parsed.Usage.TotalTokens))

	return &backend.Result{
		Text:      parsed.Response,
		Usage:     parsed.Usage,
		Model:     parsed.Model,
		IsCrisis:  parsed.IsCrisis,
		Resources: parsed.Resources,
	}, nil
}

// statusError maps non-200 statuses onto the error taxonomy.
func (c *Client) statusError(status int, body []byte) error {
	message := serviceMessage(body)

	switch status {
	case http.StatusTooManyRequests:
		if message == "" {
			message = "rate limited by service"
		}
		return &backend.Error{Type: backend.ErrTypeRateLimited, Message: message, StatusCode: status}
	case http.StatusBadRequest:
		if message == "" {
			message = "service rejected request"
		}
		return &backend.Error{Type: backend.ErrTypeBadRequest, Message: message, StatusCode: status}
	case http.StatusInternalServerError:
		if message == "" {
			message = "service error"
		}
		return &backend.Error{Type: backend.ErrTypeServer, Message: message, StatusCode: status}
	default:
		if message == "" {
			message = fmt.Sprintf("unexpected status %d", status)
		}
		return &backend.Error{Type: backend.ErrTypeUnknown, Message: message, StatusCode: status}
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.cfg.ClientID != "" {
		req.Header.Set("X-Client-ID", c.cfg.ClientID)
	}
}

// serviceMessage extracts the error string from an API error body, or ""
// when the body is not parseable.
func serviceMessage(body []byte) string {
	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	return parsed.Error
}

// backoffDelay returns the exponential backoff delay for the given attempt:
// 500ms, 1s, 2s, ... capped at retryMaxDelay.
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt))
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}
