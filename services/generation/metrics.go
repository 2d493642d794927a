// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generation

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for generation runs.
var (
	tracer = otel.Tracer("testpilot.generation")
	meter  = otel.Meter("testpilot.generation")
)

// Metrics for generation runs.
var (
	runDuration      metric.Float64Histogram
	runTotal         metric.Int64Counter
	attemptTotal     metric.Int64Counter
	stateTransitions metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runDuration, err = meter.Float64Histogram(
			"testpilot_generation_duration_seconds",
			metric.WithDescription("Duration of generation runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"testpilot_generation_runs_total",
			metric.WithDescription("Generation runs by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		attemptTotal, err = meter.Int64Counter(
			"testpilot_generation_attempts_total",
			metric.WithDescription("Gateway calls made by generation runs"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stateTransitions, err = meter.Int64Counter(
			"testpilot_generation_state_transitions_total",
			metric.WithDescription("Generation loop state transitions"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRunSpan creates a span for a generation run.
func startRunSpan(ctx context.Context, sessionID string, req *Request) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Loop.Run",
		trace.WithAttributes(
			attribute.String("generation.session_id", sessionID),
			attribute.String("generation.module", req.Unit.ModuleName),
			attribute.String("generation.provider", req.Provider),
			attribute.String("generation.model", req.Model),
			attribute.String("generation.mode", string(req.Mode)),
		),
	)
}

// setRunSpanResult sets the result attributes on a run span.
func setRunSpanResult(span trace.Span, res *Result) {
	score := 0.0
	if res.Best != nil {
		score = res.Best.Score
	}
	span.SetAttributes(
		attribute.String("generation.final_state", string(res.State)),
		attribute.Int("generation.attempts", res.Attempts),
		attribute.Bool("generation.from_cache", res.FromCache),
		attribute.Float64("generation.best_score", score),
	)
}

// recordRunMetrics records metrics for a finished run.
func recordRunMetrics(ctx context.Context, provider string, duration time.Duration, res *Result) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", string(res.State)),
		attribute.Bool("from_cache", res.FromCache),
	)

	runDuration.Record(ctx, duration.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)
	attemptTotal.Add(ctx, int64(res.Attempts), metric.WithAttributes(attribute.String("provider", provider)))
}

// recordStateTransition records a state transition event.
func recordStateTransition(ctx context.Context, from, to State) {
	if err := initMetrics(); err != nil {
		return
	}
	stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

// addStateTransitionEvent adds a state transition event to the span.
func addStateTransitionEvent(span trace.Span, from, to State, attempt int) {
	span.AddEvent("state_transition", trace.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
		attribute.Int("attempt", attempt),
	))
}
