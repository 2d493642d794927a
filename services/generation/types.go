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
	"time"

	"github.com/AleutianAI/testpilot/services/analyzer"
	"github.com/AleutianAI/testpilot/services/llm"
	"github.com/AleutianAI/testpilot/services/prompt"
	"github.com/AleutianAI/testpilot/services/verifier"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is a state of the generation loop.
type State string

const (
	// StateBuilding renders the prompt, with feedback on retries.
	StateBuilding State = "building"

	// StateRequesting calls the gateway.
	StateRequesting State = "requesting"

	// StateVerifying checks the returned candidate.
	StateVerifying State = "verifying"

	// StateAccepted is terminal: a candidate met the threshold.
	StateAccepted State = "accepted"

	// StateExhaustedRetries is terminal: the attempt budget ran out.
	StateExhaustedRetries State = "exhausted_retries"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true for Accepted and ExhaustedRetries.
func (s State) IsTerminal() bool {
	return s == StateAccepted || s == StateExhaustedRetries
}

// =============================================================================
// REQUEST
// =============================================================================

// Request describes one generation run.
type Request struct {
	// Unit is the analyzed target. Required.
	Unit *analyzer.SourceUnit

	// Provider names the backend, used for cache keys and telemetry.
	Provider string

	// Model is passed to the gateway. Empty selects the backend default.
	Model string

	// Mode selects the prompt variant. Default: basic.
	Mode prompt.Mode

	// Context is rendered project context, empty when not requested.
	Context string

	// Params, when set, are applied to gateways that accept them.
	Params *llm.GenerationParams
}

// Validate checks the request and fills defaults.
func (r *Request) Validate() error {
	if r == nil || r.Unit == nil {
		return ErrEmptyRequest
	}
	if r.Mode == "" {
		r.Mode = prompt.ModeBasic
	}
	return nil
}

// =============================================================================
// RESULT
// =============================================================================

// Result is the outcome of one run.
type Result struct {
	// SessionID correlates log lines and spans of one run.
	SessionID string `json:"session_id"`

	// State is the terminal state.
	State State `json:"state"`

	// Best is the highest-ranked candidate. Non-nil once any gateway
	// call has succeeded.
	Best *verifier.Candidate `json:"best,omitempty"`

	// Attempts counts gateway calls.
	Attempts int `json:"attempts"`

	// Candidates holds every verified candidate in attempt order.
	Candidates []*verifier.Candidate `json:"candidates,omitempty"`

	// LastError is the most recent gateway error.
	LastError error `json:"-"`

	// FromCache is true when Best came from the cache.
	FromCache bool `json:"from_cache"`

	// Duration is the wall time of the run.
	Duration time.Duration `json:"duration"`
}

// Accepted reports whether the run ended in StateAccepted.
func (r *Result) Accepted() bool {
	return r.State == StateAccepted
}
