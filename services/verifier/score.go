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
	"math"
	"regexp"
)

// Execution terms as fractions of Weights.Execution.
const (
	executionPass        = 1.0
	executionNotExecuted = 0.5
	executionFail        = 0.25
	executionBroken      = 0.0
)

// Score computes the quality score of a candidate against the public
// names of its target.
//
// Description:
//
//	Weighted stage terms are normalized by the weight sum. Syntax, import,
//	and execution terms only count for syntax-valid candidates; the
//	coverage term is the fraction of testable names mentioned in the text.
//	PenaltyPerIssue is subtracted for every issue the verifier did not fix.
//	The result is clamped to [0, 1] and rounded to six decimals.
//
// Thread Safety: Pure function.
func Score(c *Candidate, testable []string, cfg *Config) float64 {
	w := cfg.Weights
	total := w.Sum()
	if total <= 0 {
		return 0
	}

	var raw float64
	if c.SyntaxValid {
		raw += w.Syntax + w.Imports
		raw += w.Execution * executionTerm(c.Execution)
	}
	raw += w.Coverage * Coverage(c.Final(), testable)

	score := raw/total - cfg.PenaltyPerIssue*float64(c.UnfixedIssues())
	score = math.Max(0, math.Min(1, score))
	return math.Round(score*1e6) / 1e6
}

func executionTerm(e *ExecutionOutcome) float64 {
	if e == nil {
		return executionNotExecuted
	}
	switch e.Outcome {
	case OutcomePass:
		return executionPass
	case OutcomeFail:
		return executionFail
	default:
		return executionBroken
	}
}

// Coverage returns the fraction of names that appear as whole identifiers
// in text. It is 1 when names is empty.
func Coverage(text string, names []string) float64 {
	if len(names) == 0 {
		return 1
	}
	hit := 0
	for _, name := range names {
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		if re.MatchString(text) {
			hit++
		}
	}
	return float64(hit) / float64(len(names))
}
