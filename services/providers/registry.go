// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package providers puts the model backends behind one Gateway interface
// selected by provider name.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/testpilot/services/llm"
)

// Built-in provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
	ProviderOllama    = "ollama"
)

// DefaultProvider is used when none is configured.
const DefaultProvider = ProviderOpenAI

// Credentials are the secrets and endpoint a backend needs.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// Constructor builds a backend client bound to one model.
type Constructor func(model string, creds Credentials, opts ...llm.ClientOption) (llm.LLMClient, error)

// Backend describes a registered provider.
type Backend struct {
	Name         string
	EnvVar       string
	NeedsKey     bool
	DefaultModel string
	New          Constructor
}

// Registry maps provider names to backends. It is built once at startup
// and read concurrently afterwards.
//
// Thread Safety: Safe for concurrent use. Register must not race with
// Gateway.
type Registry struct {
	backends map[string]Backend
	limiter  *rate.Limiter
	logger   *slog.Logger
	options  []llm.ClientOption
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRateLimit enables a client-side limiter shared by every gateway the
// registry hands out. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) RegistryOption {
	return func(r *Registry) {
		if rps <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger used by the registry and its gateways.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClientOptions passes options to every backend client constructed.
func WithClientOptions(opts ...llm.ClientOption) RegistryOption {
	return func(r *Registry) {
		r.options = append(r.options, opts...)
	}
}

// NewRegistry creates a registry holding the built-in backends.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		backends: make(map[string]Backend),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Register(Backend{
		Name:         ProviderOpenAI,
		EnvVar:       "OPENAI_API_KEY",
		NeedsKey:     true,
		DefaultModel: llm.DefaultOpenAIModel,
		New: func(model string, creds Credentials, opts ...llm.ClientOption) (llm.LLMClient, error) {
			return llm.NewOpenAIClientWithConfig(creds.APIKey, model, creds.BaseURL, opts...)
		},
	})
	r.Register(Backend{
		Name:         ProviderAnthropic,
		EnvVar:       "ANTHROPIC_API_KEY",
		NeedsKey:     true,
		DefaultModel: llm.DefaultAnthropicModel,
		New: func(model string, creds Credentials, opts ...llm.ClientOption) (llm.LLMClient, error) {
			if creds.BaseURL != "" {
				opts = append(opts, llm.WithBaseURL(creds.BaseURL))
			}
			return llm.NewAnthropicClient(creds.APIKey, model, opts...)
		},
	})
	r.Register(Backend{
		Name:         ProviderGemini,
		EnvVar:       "GEMINI_API_KEY",
		NeedsKey:     true,
		DefaultModel: llm.DefaultGeminiModel,
		New: func(model string, creds Credentials, opts ...llm.ClientOption) (llm.LLMClient, error) {
			if creds.BaseURL != "" {
				opts = append(opts, llm.WithBaseURL(creds.BaseURL))
			}
			return llm.NewGeminiClient(context.Background(), creds.APIKey, model, opts...)
		},
	})
	r.Register(Backend{
		Name:         ProviderOllama,
		EnvVar:       "OLLAMA_BASE_URL",
		NeedsKey:     false,
		DefaultModel: llm.DefaultOllamaModel,
		New: func(model string, creds Credentials, opts ...llm.ClientOption) (llm.LLMClient, error) {
			return llm.NewOllamaClient(creds.BaseURL, model, opts...)
		},
	})
	return r
}

// Register adds or replaces a backend.
func (r *Registry) Register(b Backend) {
	r.backends[strings.ToLower(b.Name)] = b
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backend returns the backend registered under name.
func (r *Registry) Backend(name string) (Backend, error) {
	b, ok := r.backends[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Backend{}, &ConfigurationError{
			Provider: name,
			Reason:   fmt.Sprintf("unknown provider (valid: %s)", strings.Join(r.Names(), ", ")),
		}
	}
	return b, nil
}

// Gateway returns a gateway bound to the named provider.
//
// Description:
//
//	Validates the provider name and the credential before anything talks
//	to the network. Backend clients are created lazily, one per model.
//
// Outputs:
//
//	Gateway - Ready for Generate calls.
//	error - *ConfigurationError for an unknown name or missing key.
func (r *Registry) Gateway(name string, creds Credentials) (Gateway, error) {
	b, err := r.Backend(name)
	if err != nil {
		return nil, err
	}
	if b.NeedsKey && strings.TrimSpace(creds.APIKey) == "" {
		return nil, &ConfigurationError{
			Provider: b.Name,
			Reason:   fmt.Sprintf("missing API key (set %s or store it in the keyring)", b.EnvVar),
		}
	}

	clientOpts := append([]llm.ClientOption{llm.WithLogger(r.logger)}, r.options...)
	return &backendGateway{
		backend:    b,
		creds:      creds,
		limiter:    r.limiter,
		logger:     r.logger.With(slog.String("provider", b.Name)),
		clientOpts: clientOpts,
		clients:    &clientCache{m: make(map[string]llm.LLMClient)},
	}, nil
}

// clientCache holds one backend client per model. Shared between a
// gateway and the copies WithParams makes.
type clientCache struct {
	mu sync.Mutex
	m  map[string]llm.LLMClient
}
