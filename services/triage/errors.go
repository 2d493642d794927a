// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package triage files GitHub issues for failing test runs.
//
// Reporting never alters the runner.Result it describes, and a reporting
// failure is returned to the caller as a *TriageError rather than dropped.
package triage

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrMissingToken indicates no GitHub token was supplied.
	ErrMissingToken = errors.New("github token is required")

	// ErrInvalidRepo indicates a repository not in owner/name form.
	ErrInvalidRepo = errors.New("repository must be owner/name")

	// ErrRequestFailed indicates the GitHub API call failed.
	ErrRequestFailed = errors.New("github request failed")
)

// Operation names the step that failed.
type Operation string

const (
	OpConfigure   Operation = "configure"
	OpCreateIssue Operation = "create issue"
	OpCreateGist  Operation = "create gist"
)

// TriageError describes a failed reporting step.
type TriageError struct {
	Op         Operation
	Repo       string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TriageError) Error() string {
	msg := fmt.Sprintf("triage: %s", e.Op)
	if e.Repo != "" {
		msg += " in " + e.Repo
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TriageError) Unwrap() error {
	return e.Err
}
