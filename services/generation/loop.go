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
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/testpilot/services/analyzer"
	"github.com/AleutianAI/testpilot/services/cache"
	"github.com/AleutianAI/testpilot/services/prompt"
	"github.com/AleutianAI/testpilot/services/providers"
	"github.com/AleutianAI/testpilot/services/telemetry"
	"github.com/AleutianAI/testpilot/services/verifier"
)

// defaultModelKey stands in for an empty model name in cache keys.
const defaultModelKey = "default"

// =============================================================================
// COLLABORATORS
// =============================================================================

// PromptBuilder renders the prompt for one attempt.
type PromptBuilder interface {
	Build(unit *analyzer.SourceUnit, mode prompt.Mode, opts prompt.BuildOptions) (string, error)
}

// CandidateVerifier checks one candidate against its target.
type CandidateVerifier interface {
	Verify(ctx context.Context, text string, target *analyzer.SourceUnit) (*verifier.Candidate, error)
}

// Store is the subset of the cache the loop uses.
type Store interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, bool, error)
	Put(ctx context.Context, e *cache.Entry) (bool, error)
}

// =============================================================================
// LOOP
// =============================================================================

// Loop drives the generation state machine.
//
// Thread Safety: NOT safe for concurrent use. Parallel workers each build
// their own Loop and share only the gateway, limiter, and cache.
type Loop struct {
	config   *Config
	builder  PromptBuilder
	verifier CandidateVerifier
	store    Store
	logger   *slog.Logger
	running  atomic.Bool
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithStore enables cache lookups and stores.
func WithStore(s Store) LoopOption {
	return func(l *Loop) {
		l.store = s
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		l.logger = logger
	}
}

// NewLoop creates a generation loop.
//
// Inputs:
//
//	cfg - Loop configuration. Nil uses DefaultConfig. Copied and validated.
//	builder - Prompt builder
//	v - Candidate verifier
//	opts - Optional store and logger
//
// Outputs:
//
//	*Loop - Configured loop
func NewLoop(cfg *Config, builder PromptBuilder, v CandidateVerifier, opts ...LoopOption) *Loop {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	_ = c.Validate()

	l := &Loop{
		config:   &c,
		builder:  builder,
		verifier: v,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Config returns a copy of the loop configuration.
func (l *Loop) Config() Config {
	return *l.config
}

// run holds the mutable state of one Run call.
type run struct {
	req      *Request
	gw       providers.Gateway
	span     trace.Span
	res      *Result
	state    State
	prompt   string
	text     string
	feedback []string
}

// Run executes the generation loop for one request.
//
// Description:
//
//	Consults the cache first when one is configured. Otherwise cycles
//	through Building, Requesting and Verifying until a candidate is
//	accepted or MaxAttempts gateway calls have been made. The best
//	candidate of a completed run is offered to the cache.
//
// Inputs:
//
//	ctx - Context for cancellation. Propagates into gateway calls and
//	      execution checks.
//	gw - Gateway to request candidates from
//	req - The generation request
//
// Outputs:
//
//	*Result - Run result. Non-nil whenever the loop started.
//	error - *ExhaustedError when no candidate was accepted, ctx.Err() on
//	        cancellation, or a validation or prompt error.
func (l *Loop) Run(ctx context.Context, gw providers.Gateway, req *Request) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if gw == nil {
		return nil, ErrNilGateway
	}
	if !l.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer l.running.Store(false)

	if req.Params != nil {
		if t, ok := gw.(providers.Tunable); ok {
			gw = t.WithParams(*req.Params)
		}
	}

	start := time.Now()
	sessionID := uuid.New().String()[:8]
	ctx, span := startRunSpan(ctx, sessionID, req)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, l.logger).With(slog.String("session_id", sessionID))
	logger.Info("Starting generation",
		slog.String("module", req.Unit.ModuleName),
		slog.String("provider", req.Provider),
		slog.String("model", req.Model),
		slog.String("mode", string(req.Mode)),
		slog.String("config", l.config.String()),
	)

	r := &run{
		req:   req,
		gw:    gw,
		span:  span,
		res:   &Result{SessionID: sessionID, State: StateBuilding},
		state: StateBuilding,
	}

	if l.lookup(ctx, r, logger) {
		return l.finish(ctx, r, start, logger)
	}

	for !r.state.IsTerminal() {
		if err := ctx.Err(); err != nil {
			r.res.Duration = time.Since(start)
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			logger.Warn("Generation cancelled",
				slog.String("state", string(r.state)),
				slog.Int("attempts", r.res.Attempts),
			)
			return r.res, err
		}
		if err := l.step(ctx, r, logger); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				continue
			}
			r.res.Duration = time.Since(start)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return r.res, err
		}
	}

	l.save(ctx, r, logger)
	return l.finish(ctx, r, start, logger)
}

// step executes one transition of the state machine.
func (l *Loop) step(ctx context.Context, r *run, logger *slog.Logger) error {
	switch r.state {
	case StateBuilding:
		p, err := l.builder.Build(r.req.Unit, r.req.Mode, prompt.BuildOptions{
			Feedback:       r.feedback,
			ProjectContext: r.req.Context,
		})
		if err != nil {
			return fmt.Errorf("build prompt: %w", err)
		}
		r.prompt = p
		l.transition(ctx, r, StateRequesting, logger)

	case StateRequesting:
		r.res.Attempts++
		text, err := r.gw.GenerateWithContext(ctx, r.prompt, r.req.Model, r.req.Context)
		if err != nil {
			r.res.LastError = err
			logger.Warn("Gateway call failed",
				slog.Int("attempt", r.res.Attempts),
				slog.Int("max", l.config.MaxAttempts),
				slog.String("error", err.Error()),
			)
			l.retryOrExhaust(ctx, r, logger)
			return nil
		}
		r.text = text
		l.transition(ctx, r, StateVerifying, logger)

	case StateVerifying:
		cand, err := l.verifier.Verify(ctx, r.text, r.req.Unit)
		if err != nil {
			return fmt.Errorf("verify candidate: %w", err)
		}
		cand.Attempt = r.res.Attempts
		r.res.Candidates = append(r.res.Candidates, cand)
		if cand.Better(r.res.Best) {
			r.res.Best = cand
		}

		logger.Info("Candidate verified",
			slog.Int("attempt", r.res.Attempts),
			slog.Bool("valid", cand.Valid()),
			slog.Float64("score", cand.Score),
			slog.Int("issues", len(cand.Issues)),
		)

		if cand.Valid() && cand.Score >= l.config.AcceptanceThreshold {
			l.transition(ctx, r, StateAccepted, logger)
			return nil
		}

		r.feedback = rejectionFeedback(cand, l.config.AcceptanceThreshold)
		l.retryOrExhaust(ctx, r, logger)

	default:
		return fmt.Errorf("generation loop in unexpected state %q", r.state)
	}
	return nil
}

// retryOrExhaust goes back to Building while attempts remain.
func (l *Loop) retryOrExhaust(ctx context.Context, r *run, logger *slog.Logger) {
	if r.res.Attempts >= l.config.MaxAttempts {
		l.transition(ctx, r, StateExhaustedRetries, logger)
		return
	}
	l.transition(ctx, r, StateBuilding, logger)
}

// transition changes state with logging.
func (l *Loop) transition(ctx context.Context, r *run, to State, logger *slog.Logger) {
	from := r.state
	r.state = to
	r.res.State = to

	recordStateTransition(ctx, from, to)
	addStateTransitionEvent(r.span, from, to, r.res.Attempts)

	logger.Debug("Generation state transition",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.Int("attempt", r.res.Attempts),
	)
}

// rejectionFeedback lists what the next attempt should fix.
func rejectionFeedback(c *verifier.Candidate, threshold float64) []string {
	lines := c.Feedback()
	if c.Valid() {
		lines = append(lines, fmt.Sprintf("quality score %.2f is below the required %.2f; cover more of the public functions and methods", c.Score, threshold))
	}
	return lines
}

// finish records telemetry and builds the return values.
func (l *Loop) finish(ctx context.Context, r *run, start time.Time, logger *slog.Logger) (*Result, error) {
	r.res.Duration = time.Since(start)
	setRunSpanResult(r.span, r.res)
	recordRunMetrics(ctx, r.req.Provider, r.res.Duration, r.res)

	logger.Info("Generation complete",
		slog.String("final_state", string(r.res.State)),
		slog.Int("attempts", r.res.Attempts),
		slog.Bool("from_cache", r.res.FromCache),
		slog.Duration("duration", r.res.Duration),
	)

	if r.res.State == StateAccepted {
		return r.res, nil
	}
	err := &ExhaustedError{
		Attempts:  r.res.Attempts,
		Best:      r.res.Best,
		LastError: r.res.LastError,
	}
	r.span.SetStatus(codes.Error, err.Error())
	return r.res, err
}

// =============================================================================
// CACHE
// =============================================================================

func cacheKey(req *Request) cache.Key {
	model := req.Model
	if model == "" {
		model = defaultModelKey
	}
	return cache.Key{
		Hash:     req.Unit.Hash,
		Mode:     string(req.Mode),
		Provider: req.Provider,
		Model:    model,
	}
}

// lookup returns true when a stored candidate was accepted.
func (l *Loop) lookup(ctx context.Context, r *run, logger *slog.Logger) bool {
	if l.store == nil || r.req.Unit.Hash == "" || r.req.Provider == "" {
		return false
	}
	entry, ok, err := l.store.Get(ctx, cacheKey(r.req))
	if err != nil {
		logger.Warn("Cache lookup failed", slog.String("error", err.Error()))
		return false
	}
	if !ok || !entry.SyntaxValid || entry.Score < l.config.AcceptanceThreshold {
		return false
	}

	cand := entry.Candidate()
	r.res.Best = cand
	r.res.Candidates = []*verifier.Candidate{cand}
	r.res.FromCache = true
	l.transition(ctx, r, StateAccepted, logger)
	logger.Info("Cache hit", slog.Float64("score", entry.Score))
	return true
}

// save offers the best candidate to the cache.
func (l *Loop) save(ctx context.Context, r *run, logger *slog.Logger) {
	if l.store == nil || r.res.Best == nil || r.req.Unit.Hash == "" || r.req.Provider == "" {
		return
	}
	stored, err := l.store.Put(ctx, cache.EntryFromCandidate(cacheKey(r.req), r.res.Best))
	if err != nil {
		logger.Warn("Cache store failed", slog.String("error", err.Error()))
		return
	}
	logger.Debug("Cache store", slog.Bool("stored", stored))
}
