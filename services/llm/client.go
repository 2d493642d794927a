// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm holds the model backends: OpenAI, Anthropic, Gemini, and
// Ollama. Each backend turns a prompt (plus an optional system preamble)
// into completion text. Backends do not retry.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("testpilot.llm")

// Default models per backend.
const (
	DefaultOpenAIModel    = "gpt-4o-mini"
	DefaultAnthropicModel = "claude-3-5-sonnet-latest"
	DefaultGeminiModel    = "gemini-2.0-flash"
	DefaultOllamaModel    = "llama3.1"
)

// DefaultHTTPTimeout bounds a single backend request.
const DefaultHTTPTimeout = 120 * time.Second

var (
	// ErrMissingAPIKey indicates a backend that needs a key was given none.
	ErrMissingAPIKey = errors.New("api key is required")

	// ErrEmptyResponse indicates the backend answered without any text.
	ErrEmptyResponse = errors.New("backend returned an empty response")
)

// GenerationParams are optional sampling parameters. Nil fields use the
// backend default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient is implemented by every backend.
type LLMClient interface {
	// Generate sends prompt as the single user turn.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// GenerateWithSystem sends system as the system preamble and prompt as
	// the user turn. An empty system behaves like Generate.
	GenerateWithSystem(ctx context.Context, system, prompt string, params GenerationParams) (string, error)
}

// StatusError is a non-2xx answer from a backend.
type StatusError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Backend, e.StatusCode, SafeLogString(truncate(e.Body, 512)))
}

// ClientOption configures a backend client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
	}
}

func applyOptions(opts []ClientOption) clientOptions {
	o := defaultClientOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithBaseURL overrides the backend endpoint. Used for proxies, self-hosted
// gateways, and tests.
func WithBaseURL(u string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = u
	}
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
