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
	"fmt"
	"time"

	"github.com/AleutianAI/testpilot/services/sandbox"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Weights are the contribution of each stage to the quality score.
type Weights struct {
	Syntax    float64 `yaml:"syntax" json:"syntax"`
	Imports   float64 `yaml:"imports" json:"imports"`
	Execution float64 `yaml:"execution" json:"execution"`
	Coverage  float64 `yaml:"coverage" json:"coverage"`
}

// DefaultWeights returns 0.3 syntax, 0.1 imports, 0.4 execution, 0.2
// coverage.
func DefaultWeights() Weights {
	return Weights{Syntax: 0.3, Imports: 0.1, Execution: 0.4, Coverage: 0.2}
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Syntax + w.Imports + w.Execution + w.Coverage
}

// Config holds configuration for a Verifier.
type Config struct {
	// Weights combine the stages into the quality score.
	// Default: DefaultWeights()
	Weights Weights

	// PenaltyPerIssue is subtracted for each issue the verifier did not fix.
	// Default: 0.05
	PenaltyPerIssue float64

	// ExecutionCheck enables running candidates under pytest.
	// Default: false
	ExecutionCheck bool

	// ExecutionTimeout bounds one execution check.
	// Default: 60s
	ExecutionTimeout time.Duration

	// Isolation is the sandbox level for execution checks.
	// Default: auto
	Isolation sandbox.Isolation

	// Python overrides interpreter discovery for execution checks.
	Python string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Weights:          DefaultWeights(),
		PenaltyPerIssue:  0.05,
		ExecutionTimeout: 60 * time.Second,
		Isolation:        sandbox.IsolationAuto,
	}
}

// Validate checks the configuration, correcting out-of-range durations.
//
// Outputs:
//
//	error - Wraps ErrInvalidConfig when a weight or the penalty is
//	        negative, or all weights are zero.
func (c *Config) Validate() error {
	w := c.Weights
	if w.Syntax < 0 || w.Imports < 0 || w.Execution < 0 || w.Coverage < 0 {
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidConfig)
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("%w: at least one weight must be positive", ErrInvalidConfig)
	}
	if c.PenaltyPerIssue < 0 {
		return fmt.Errorf("%w: penalty_per_issue must not be negative", ErrInvalidConfig)
	}
	if c.ExecutionTimeout < time.Second {
		c.ExecutionTimeout = time.Second
	}
	if c.Isolation == "" {
		c.Isolation = sandbox.IsolationAuto
	}
	return nil
}
