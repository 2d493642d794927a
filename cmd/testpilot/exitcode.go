// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"

	"github.com/AleutianAI/testpilot/pkg/validation"
	"github.com/AleutianAI/testpilot/services/generation"
	"github.com/AleutianAI/testpilot/services/prompt"
	"github.com/AleutianAI/testpilot/services/providers"
	"github.com/AleutianAI/testpilot/services/runner"
	"github.com/AleutianAI/testpilot/services/sandbox"
	"github.com/AleutianAI/testpilot/services/telemetry"
	"github.com/AleutianAI/testpilot/services/verifier"
)

// Process exit codes.
const (
	exitOK               = 0
	exitTestsFailed      = 1
	exitGenerationFailed = 2
	exitConfig           = 3
	exitCouldNotRun      = 4
	exitInternal         = 5
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// errConfig marks invalid flags, config files, and inputs.
	errConfig = errors.New("configuration error")

	// errOutputExists indicates the output file exists and neither
	// --overwrite nor --append was given.
	errOutputExists = errors.New("output file already exists (use --overwrite or --append)")

	// errTestsFailed indicates pytest ran and at least one test failed.
	errTestsFailed = errors.New("tests failed")
)

// configErrors are package sentinels that all mean "fix your input".
var configErrors = []error{
	errConfig,
	errOutputExists,
	providers.ErrConfiguration,
	prompt.ErrUnknownMode,
	prompt.ErrTemplateNotFound,
	prompt.ErrInvalidTemplates,
	sandbox.ErrUnknownIsolation,
	sandbox.ErrIsolationUnavailable,
	verifier.ErrInvalidConfig,
	telemetry.ErrUnknownMode,
	runner.ErrFileNotFound,
	validation.ErrInvalid,
}

// exitCodeFor maps an error to the process exit code.
//
// A joined error from a multi-file run maps to the most severe code any
// of its parts maps to: configuration, then generation, then
// could-not-run, then test failure. Triage failures never reach here;
// they are reported without changing the outcome of the run.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	for _, target := range configErrors {
		if errors.Is(err, target) {
			return exitConfig
		}
	}
	switch {
	case errors.Is(err, generation.ErrGenerationFailed),
		errors.Is(err, providers.ErrGenerationFailed):
		return exitGenerationFailed
	case errors.Is(err, runner.ErrCouldNotRun):
		return exitCouldNotRun
	case errors.Is(err, errTestsFailed):
		return exitTestsFailed
	default:
		return exitInternal
	}
}
