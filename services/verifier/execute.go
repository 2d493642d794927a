// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/testpilot/services/analyzer"
	"github.com/AleutianAI/testpilot/services/runner"
	"github.com/AleutianAI/testpilot/services/sandbox"
)

// Executor runs a candidate test file against its target.
type Executor interface {
	// Execute runs testText against target. A returned error means the
	// caller cancelled; every other problem is an ExecutionOutcome.
	Execute(ctx context.Context, target *analyzer.SourceUnit, testText string) (*ExecutionOutcome, error)
}

// pytestExecutor copies the target and the candidate into a fresh
// workspace and runs pytest there. The target's own directory goes on
// PYTHONPATH so project imports resolve; the workspace copy still shadows
// the original module.
type pytestExecutor struct {
	runner    *runner.Runner
	timeout   time.Duration
	isolation sandbox.Isolation
	python    string
	logger    *slog.Logger
}

// NewPytestExecutor returns the workspace-backed Executor used when
// Config.ExecutionCheck is set.
func NewPytestExecutor(cfg *Config, logger *slog.Logger) Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &pytestExecutor{
		runner:    runner.New(runner.WithLogger(logger)),
		timeout:   cfg.ExecutionTimeout,
		isolation: cfg.Isolation,
		python:    cfg.Python,
		logger:    logger,
	}
}

func (p *pytestExecutor) Execute(ctx context.Context, target *analyzer.SourceUnit, testText string) (*ExecutionOutcome, error) {
	ws, err := sandbox.NewWorkspace("testpilot-verify-")
	if err != nil {
		return &ExecutionOutcome{Outcome: OutcomeError, Detail: err.Error()}, nil
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			p.logger.Warn("failed to remove workspace", slog.String("dir", ws.Dir()), slog.String("error", cerr.Error()))
		}
	}()

	module := target.ModuleName
	if !identifierPattern.MatchString(module) {
		module = "target"
	}
	if _, err := ws.WriteFile(module+".py", []byte(target.Source)); err != nil {
		return &ExecutionOutcome{Outcome: OutcomeError, Detail: err.Error()}, nil
	}
	testName := "test_" + module + ".py"
	if strings.HasPrefix(module, "test_") {
		testName = module + "_candidate.py"
	}
	testPath, err := ws.WriteFile(testName, []byte(testText))
	if err != nil {
		return &ExecutionOutcome{Outcome: OutcomeError, Detail: err.Error()}, nil
	}

	res, err := p.runner.Run(ctx, testPath, runner.RunOptions{
		Timeout:   p.timeout,
		Isolation: p.isolation,
		Python:    p.python,
		Env:       projectEnv(target),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &ExecutionOutcome{Outcome: OutcomeError, Detail: err.Error()}, nil
	}
	return outcomeFromResult(res, p.timeout), nil
}

// projectEnv is the scrubbed environment with the target's project
// directory importable.
func projectEnv(target *analyzer.SourceUnit) []string {
	env := sandbox.ScrubEnv(os.Environ())
	if target.Path == "" {
		return env
	}
	dir, err := filepath.Abs(filepath.Dir(target.Path))
	if err != nil {
		return env
	}
	return sandbox.PrependPythonPath(env, dir)
}

// outcomeFromResult maps a pytest run onto an execution outcome.
func outcomeFromResult(res *runner.Result, timeout time.Duration) *ExecutionOutcome {
	out := &ExecutionOutcome{Output: res.Output, Duration: res.Duration}
	switch {
	case res.TimedOut:
		out.Outcome = OutcomeTimeout
		out.Detail = fmt.Sprintf("timed out after %s", timeout)
	case res.Status == runner.StatusPassed:
		out.Outcome = OutcomePass
	case res.Status == runner.StatusFailed:
		out.Outcome = OutcomeFail
		out.Detail = fmt.Sprintf("%d test(s) failed", res.Summary.Failed+res.Summary.Errors)
		if len(res.FailedTests) > 0 {
			out.Detail += ": " + strings.Join(res.FailedTests, ", ")
		}
	default:
		out.Outcome = OutcomeError
		out.Detail = "tests could not run: " + res.Reason
	}
	return out
}
