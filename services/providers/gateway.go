// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/testpilot/services/llm"
)

// systemPrompt is the preamble every request carries.
const systemPrompt = "You are an expert Python test engineer. Reply with a single pytest test file in a ```python code block."

// Gateway turns a prompt into candidate test code.
type Gateway interface {
	// Generate sends prompt to model and returns the extracted code.
	Generate(ctx context.Context, prompt, model string) (string, error)

	// GenerateWithContext also places projectContext in the system
	// preamble. An empty projectContext behaves like Generate.
	GenerateWithContext(ctx context.Context, prompt, model, projectContext string) (string, error)
}

// Tunable is implemented by gateways that accept sampling parameters.
type Tunable interface {
	WithParams(params llm.GenerationParams) Gateway
}

var (
	tracer = otel.Tracer("testpilot.providers")
	meter  = otel.Meter("testpilot.providers")

	metricsOnce     sync.Once
	requestCounter  metric.Int64Counter
	requestDuration metric.Float64Histogram
)

func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		requestCounter, err = meter.Int64Counter(
			"testpilot_provider_requests_total",
			metric.WithDescription("Provider requests by provider and outcome"),
		)
		if err != nil {
			slog.Warn("failed to create provider request counter", slog.String("error", err.Error()))
		}
		requestDuration, err = meter.Float64Histogram(
			"testpilot_provider_request_duration_seconds",
			metric.WithDescription("Provider request latency"),
			metric.WithUnit("s"),
		)
		if err != nil {
			slog.Warn("failed to create provider duration histogram", slog.String("error", err.Error()))
		}
	})
}

// backendGateway adapts one Backend to Gateway.
type backendGateway struct {
	backend    Backend
	creds      Credentials
	params     llm.GenerationParams
	limiter    *rate.Limiter
	logger     *slog.Logger
	clientOpts []llm.ClientOption
	clients    *clientCache
}

// WithParams returns a copy of the gateway that sends params on every
// request. Clients are shared with the original.
func (g *backendGateway) WithParams(params llm.GenerationParams) Gateway {
	cp := *g
	cp.params = params
	return &cp
}

// Generate implements Gateway.
func (g *backendGateway) Generate(ctx context.Context, prompt, model string) (string, error) {
	return g.GenerateWithContext(ctx, prompt, model, "")
}

// GenerateWithContext implements Gateway.
func (g *backendGateway) GenerateWithContext(ctx context.Context, prompt, model, projectContext string) (string, error) {
	initMetrics()
	if model == "" {
		model = g.backend.DefaultModel
	}

	ctx, span := tracer.Start(ctx, "providers.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", g.backend.Name),
		attribute.String("model", model),
		attribute.Int("prompt_chars", len(prompt)),
	)

	start := time.Now()
	text, err := g.generate(ctx, prompt, model, projectContext)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", g.backend.Name),
		attribute.String("outcome", outcome),
	)
	if requestCounter != nil {
		requestCounter.Add(ctx, 1, attrs)
	}
	if requestDuration != nil {
		requestDuration.Record(ctx, elapsed.Seconds(), attrs)
	}

	if err != nil {
		g.logger.Warn("generation failed",
			slog.String("model", model),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return "", err
	}

	g.logger.Debug("generation succeeded",
		slog.String("model", model),
		slog.Duration("elapsed", elapsed),
		slog.Int("chars", len(text)),
	)
	return text, nil
}

func (g *backendGateway) generate(ctx context.Context, prompt, model, projectContext string) (string, error) {
	fail := func(cause string) error {
		return &GenerationError{Provider: g.backend.Name, Model: model, Cause: llm.SafeLogString(cause)}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", fail("rate limiter: " + err.Error())
		}
	}

	client, err := g.client(model)
	if err != nil {
		return "", fail(err.Error())
	}

	system := systemPrompt
	if pc := strings.TrimSpace(projectContext); pc != "" {
		system += "\n\nProject context:\n" + pc
	}

	raw, err := client.GenerateWithSystem(ctx, system, prompt, g.params)
	if err != nil {
		return "", fail(err.Error())
	}

	code := ExtractCode(raw)
	if code == "" {
		return "", fail("response contained no code")
	}
	return code, nil
}

func (g *backendGateway) client(model string) (llm.LLMClient, error) {
	g.clients.mu.Lock()
	defer g.clients.mu.Unlock()

	if c, ok := g.clients.m[model]; ok {
		return c, nil
	}
	c, err := g.backend.New(model, g.creds, g.clientOpts...)
	if err != nil {
		return nil, err
	}
	g.clients.m[model] = c
	return c, nil
}
