// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch runs one job per input on a bounded worker pool.
//
// Jobs are isolated: a failing job never cancels the others, and results
// come back in input order regardless of completion order.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNilContext indicates a nil context.Context was passed.
var ErrNilContext = errors.New("context must not be nil")

// Result is the outcome of one job.
type Result[In, Out any] struct {
	Index    int
	Input    In
	Value    Out
	Err      error
	Duration time.Duration
}

// Pool bounds how many jobs run at once.
type Pool struct {
	limit  int
	logger *slog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a pool running at most limit jobs at once. limit < 1 uses
// GOMAXPROCS.
func New(limit int, opts ...Option) *Pool {
	if limit < 1 {
		limit = runtime.GOMAXPROCS(0)
	}
	p := &Pool{limit: limit}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Limit returns the concurrency bound.
func (p *Pool) Limit() int {
	return p.limit
}

// Run executes job once per input.
//
// Description:
//
//	Jobs are scheduled through an errgroup with SetLimit. Every job's
//	error is captured in its Result and never returned to the group, so
//	one failure does not stop the rest. A panicking job is recovered and
//	reported as an error. Inputs not yet started when ctx is cancelled
//	get ctx.Err() without running.
//
// Inputs:
//
//	ctx - Context for cancellation, passed to every job
//	p - Pool bounding concurrency
//	inputs - Job inputs
//	job - Work to run per input; index is the input's position
//
// Outputs:
//
//	[]Result - One result per input, in input order
//	error - ErrNilContext only
//
// Thread Safety: job is called concurrently from up to Limit goroutines.
func Run[In, Out any](ctx context.Context, p *Pool, inputs []In, job func(ctx context.Context, index int, in In) (Out, error)) ([]Result[In, Out], error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	results := make([]Result[In, Out], len(inputs))
	var g errgroup.Group
	g.SetLimit(p.limit)

	for i, in := range inputs {
		results[i] = Result[In, Out]{Index: i, Input: in}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			start := time.Now()
			value, err := safeCall(ctx, i, in, job)
			results[i].Value = value
			results[i].Err = err
			results[i].Duration = time.Since(start)
			if err != nil {
				p.logger.Warn("Batch job failed",
					slog.Int("index", i),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

func safeCall[In, Out any](ctx context.Context, i int, in In, job func(context.Context, int, In) (Out, error)) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %d panicked: %v", i, r)
		}
	}()
	return job(ctx, i, in)
}

// Failed counts results with a non-nil error.
func Failed[In, Out any](results []Result[In, Out]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
