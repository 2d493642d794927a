// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner executes a pytest file and classifies the outcome as
// passed, failed, or could-not-run.
//
// "Could not run" covers every case where pytest never got to execute the
// tests: collection errors, import errors in the test module, usage
// errors, no tests collected, timeouts, and a missing interpreter. It is
// kept distinct from tests that ran and failed.
package runner

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrEmptyPath indicates an empty test file path.
	ErrEmptyPath = errors.New("test file path must not be empty")

	// ErrFileNotFound indicates the test file does not exist.
	ErrFileNotFound = errors.New("test file not found")

	// ErrCouldNotRun marks a result whose tests never executed.
	ErrCouldNotRun = errors.New("tests could not run")
)

// =============================================================================
// TYPES
// =============================================================================

// Status is the classified outcome of a run.
type Status string

const (
	StatusPassed      Status = "passed"
	StatusFailed      Status = "failed"
	StatusCouldNotRun Status = "could_not_run"
)

// Summary holds pytest's result counts.
type Summary struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errors  int `json:"errors"`
	Skipped int `json:"skipped"`
}

// Total returns the number of tests that reported a result.
func (s Summary) Total() int {
	return s.Passed + s.Failed + s.Errors + s.Skipped
}

// Coverage is the total line coverage reported by pytest-cov.
type Coverage struct {
	Percent float64 `json:"percent"`
}

// Result is one pytest run. Immutable once returned.
type Result struct {
	TestFile    string        `json:"test_file"`
	Status      Status        `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Output      string        `json:"output"`
	Summary     Summary       `json:"summary"`
	FailedTests []string      `json:"failed_tests,omitempty"`
	Trace       string        `json:"trace,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Duration    time.Duration `json:"duration"`
	TimedOut    bool          `json:"timed_out"`
	Truncated   bool          `json:"truncated"`
	Coverage    *Coverage     `json:"coverage,omitempty"`
}

// Passed reports whether every test passed.
func (r *Result) Passed() bool {
	return r.Status == StatusPassed
}

// Err returns an error wrapping ErrCouldNotRun for could-not-run results
// and nil otherwise.
func (r *Result) Err() error {
	if r.Status != StatusCouldNotRun {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrCouldNotRun, r.Reason)
}
