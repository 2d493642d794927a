// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/testpilot/services/sandbox"
)

// DefaultTimeout bounds a pytest run.
const DefaultTimeout = 5 * time.Minute

// RunOptions configures one run.
type RunOptions struct {
	// Coverage adds --cov for the test file's directory.
	Coverage bool

	// Timeout bounds the run. Zero means DefaultTimeout.
	Timeout time.Duration

	// Isolation is the sandbox level. Empty means none.
	Isolation sandbox.Isolation

	// Python is the interpreter. Empty means sandbox.FindPython.
	Python string

	// Env is the child environment. Nil means the scrubbed parent
	// environment.
	Env []string
}

// Runner executes pytest files.
//
// Thread Safety: Safe for concurrent use.
type Runner struct {
	exec   *sandbox.Executor
	logger *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor sets the process executor.
func WithExecutor(e *sandbox.Executor) Option {
	return func(r *Runner) {
		if e != nil {
			r.exec = e
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	if r.exec == nil {
		r.exec = sandbox.NewExecutor(sandbox.WithLogger(r.logger))
	}
	return r
}

// Run executes pytest on testFile and classifies the result.
//
// Description:
//
//	Runs `python -m pytest -v -p no:cacheprovider <file>` from the test
//	file's directory so that sibling modules import. Every way the tests
//	can fail to execute, including a missing interpreter, yields a Result
//	with StatusCouldNotRun rather than an error.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	testFile - Path to the pytest file.
//	opts - Run options.
//
// Outputs:
//
//	*Result - The classified run. Nil only when error is non-nil.
//	error - ErrNilContext, ErrEmptyPath, ErrFileNotFound, or ctx.Err()
//	        when the caller cancelled.
func (r *Runner) Run(ctx context.Context, testFile string, opts RunOptions) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if testFile == "" {
		return nil, ErrEmptyPath
	}
	abs, err := filepath.Abs(testFile)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", testFile, err)
	}
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, testFile)
	}

	result := &Result{TestFile: abs}

	python := opts.Python
	if python == "" {
		python, err = sandbox.FindPython()
		if err != nil {
			result.Status = StatusCouldNotRun
			result.Reason = err.Error()
			result.ExitCode = -1
			return result, nil
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dir := filepath.Dir(abs)
	args := []string{"-m", "pytest", "-v", "-p", "no:cacheprovider", abs}
	if opts.Coverage {
		args = append(args, "--cov="+dir, "--cov-report=term")
	}

	r.logger.Info("running tests",
		slog.String("file", abs),
		slog.Bool("coverage", opts.Coverage),
		slog.String("isolation", string(opts.Isolation)),
	)

	out, err := r.exec.Run(ctx, sandbox.Command{
		Name:      python,
		Args:      args,
		Dir:       dir,
		Env:       opts.Env,
		Timeout:   timeout,
		Isolation: opts.Isolation,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if out == nil && !errors.Is(err, sandbox.ErrStartFailed) {
			return nil, err
		}
		result.Status = StatusCouldNotRun
		result.Reason = err.Error()
		result.ExitCode = -1
		if out != nil {
			result.Output = out.Output
			result.Duration = out.Duration
		}
		return result, nil
	}

	result.Output = out.Output
	result.ExitCode = out.ExitCode
	result.Duration = out.Duration
	result.TimedOut = out.TimedOut
	result.Truncated = out.Truncated

	parsed := ParseOutput(out.Output)
	result.Summary = parsed.Summary
	result.FailedTests = parsed.FailedTests
	result.Trace = parsed.Trace
	result.Coverage = parsed.Coverage
	result.Status, result.Reason = Classify(out.ExitCode, out.Output, out.TimedOut)

	r.logger.Info("tests finished",
		slog.String("file", abs),
		slog.String("status", string(result.Status)),
		slog.Int("passed", result.Summary.Passed),
		slog.Int("failed", result.Summary.Failed),
		slog.Int("errors", result.Summary.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}
