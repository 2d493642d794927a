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
	"errors"
	"fmt"

	"github.com/AleutianAI/testpilot/services/verifier"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrGenerationFailed indicates no candidate reached the acceptance
	// threshold within the attempt budget.
	ErrGenerationFailed = errors.New("no acceptable test candidate")

	// ErrNilContext indicates a nil context.Context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrEmptyRequest indicates a request without a source unit.
	ErrEmptyRequest = errors.New("request must carry a source unit")

	// ErrNilGateway indicates Run was called without a gateway.
	ErrNilGateway = errors.New("gateway must not be nil")

	// ErrAlreadyRunning indicates the loop is already running.
	ErrAlreadyRunning = errors.New("generation loop already running")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ExhaustedError is returned when every attempt was used without an
// accepted candidate.
//
// # Description
//
// Best is the highest-ranked candidate seen, or nil when no gateway call
// succeeded. LastError is the most recent gateway error, if any.
// errors.Is(err, ErrGenerationFailed) holds, and so does errors.Is against
// anything LastError wraps.
type ExhaustedError struct {
	Attempts  int
	Best      *verifier.Candidate
	LastError error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("no acceptable test candidate after %d attempt(s)", e.Attempts)
	switch {
	case e.Best != nil:
		msg += fmt.Sprintf(" (best score %.2f)", e.Best.Score)
	case e.LastError != nil:
		msg += ": " + e.LastError.Error()
	}
	return msg
}

// Unwrap returns ErrGenerationFailed and the last gateway error.
func (e *ExhaustedError) Unwrap() []error {
	if e.LastError == nil {
		return []error{ErrGenerationFailed}
	}
	return []error{ErrGenerationFailed, e.LastError}
}
