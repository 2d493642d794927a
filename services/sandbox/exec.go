// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long Wait drains pipes after the process
// group has been killed.
const DefaultWaitDelay = 2 * time.Second

// Command describes one child process.
type Command struct {
	// Name is the program. Resolved through PATH.
	Name string

	// Args are passed after Name.
	Args []string

	// Dir is the working directory.
	Dir string

	// Env is the child environment. Nil means ScrubEnv(os.Environ()).
	Env []string

	// Timeout is the wall-clock limit. Zero means no limit beyond ctx.
	Timeout time.Duration

	// MaxOutput caps captured stdout+stderr. Zero means DefaultMaxOutput.
	MaxOutput int

	// Isolation is the requested level. Empty means none.
	Isolation Isolation
}

// Outcome is what a child process did.
type Outcome struct {
	Output    string
	ExitCode  int
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
	Isolation Isolation
}

// Executor runs Commands.
//
// Thread Safety: Safe for concurrent use. Each Run creates its own process.
type Executor struct {
	waitDelay time.Duration
	logger    *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithWaitDelay overrides DefaultWaitDelay.
func WithWaitDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.waitDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{waitDelay: DefaultWaitDelay, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes c and waits for it.
//
// Description:
//
//	Starts the program in its own process group, under the resolved
//	isolation level, with stdout and stderr captured into one bounded
//	buffer. When the timeout expires or ctx is cancelled the whole group
//	is killed with SIGKILL. Stray group members are also killed after a
//	normal exit.
//
// Outputs:
//
//	*Outcome - Always non-nil when the process was started. TimedOut is
//	           set on timeout, which is not an error.
//	error - ErrEmptyCommand, ErrStartFailed, isolation errors, or
//	        ctx.Err() when the parent context was cancelled.
func (e *Executor) Run(ctx context.Context, c Command) (*Outcome, error) {
	if c.Name == "" {
		return nil, ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	level := c.Isolation
	if level == "" {
		level = IsolationNone
	}
	level, err := Resolve(ctx, level)
	if err != nil {
		return nil, err
	}

	maxOutput := c.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	env := c.Env
	if env == nil {
		env = ScrubEnv(os.Environ())
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	name, args := wrap(level, c.Dir, c.Name, c.Args)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = c.Dir
	cmd.Env = env
	cmd.WaitDelay = e.waitDelay
	configureProcessGroup(cmd)

	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, limit: maxOutput}
	cmd.Stdout = lw
	cmd.Stderr = lw

	e.logger.Debug("executing command",
		slog.String("command", c.Name),
		slog.Any("args", c.Args),
		slog.String("isolation", string(level)),
		slog.Duration("timeout", c.Timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	killProcessGroup(cmd)

	out := &Outcome{
		Output:    buf.String(),
		Truncated: lw.truncated,
		Duration:  time.Since(start),
		Isolation: level,
	}

	if cmd.ProcessState == nil {
		out.ExitCode = -1
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("%w: %s: %v", ErrStartFailed, c.Name, runErr)
	}
	out.ExitCode = cmd.ProcessState.ExitCode()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		out.TimedOut = true
		out.ExitCode = -1
		e.logger.Warn("command timed out",
			slog.String("command", c.Name),
			slog.Duration("timeout", c.Timeout),
		)
		return out, nil
	}

	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) && !errors.Is(runErr, exec.ErrWaitDelay) {
		return out, fmt.Errorf("command failed: %w", runErr)
	}
	return out, nil
}
