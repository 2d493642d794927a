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
)

// Stage names the verification stage that produced an issue.
type Stage string

const (
	StageSyntax    Stage = "syntax"
	StageImports   Stage = "imports"
	StageExecution Stage = "execution"
)

// Issue is one problem found in a candidate.
type Issue struct {
	Stage   Stage  `json:"stage"`
	Message string `json:"message"`

	// Line and Column are 1-based. Zero when not applicable.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Fixed is true when the verifier corrected the problem itself.
	Fixed bool `json:"fixed,omitempty"`
}

// String renders the issue for prompts and terminal output.
func (i Issue) String() string {
	loc := ""
	if i.Line > 0 {
		loc = fmt.Sprintf(" (line %d, column %d)", i.Line, i.Column)
	}
	fixed := ""
	if i.Fixed {
		fixed = " [fixed]"
	}
	return fmt.Sprintf("%s: %s%s%s", i.Stage, i.Message, loc, fixed)
}

// Outcome is the classified result of running a candidate.
type Outcome string

const (
	OutcomePass    Outcome = "pass"
	OutcomeFail    Outcome = "fail"
	OutcomeTimeout Outcome = "timeout"
	OutcomeError   Outcome = "error"
)

// ExecutionOutcome is what happened when a candidate was executed.
type ExecutionOutcome struct {
	Outcome  Outcome       `json:"outcome"`
	Detail   string        `json:"detail,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Candidate is one verified test file.
//
// A Candidate is built once by Verify and not modified afterwards.
type Candidate struct {
	// Text is the candidate as generated.
	Text string `json:"text"`

	// Corrected is the text after import correction. Empty when nothing
	// was corrected.
	Corrected string `json:"corrected,omitempty"`

	SyntaxValid bool    `json:"syntax_valid"`
	Issues      []Issue `json:"issues,omitempty"`

	// Execution is nil when the execution stage did not run.
	Execution *ExecutionOutcome `json:"execution,omitempty"`

	Score   float64 `json:"score"`
	Attempt int     `json:"attempt"`
}

// Final returns the corrected text when present, otherwise the original.
func (c *Candidate) Final() string {
	if c.Corrected != "" {
		return c.Corrected
	}
	return c.Text
}

// Valid reports whether the candidate parses and, when it was executed,
// actually ran. Failing tests are valid but score lower.
func (c *Candidate) Valid() bool {
	if !c.SyntaxValid {
		return false
	}
	if c.Execution == nil {
		return true
	}
	return c.Execution.Outcome == OutcomePass || c.Execution.Outcome == OutcomeFail
}

// UnfixedIssues counts issues the verifier did not correct.
func (c *Candidate) UnfixedIssues() int {
	n := 0
	for _, issue := range c.Issues {
		if !issue.Fixed {
			n++
		}
	}
	return n
}

// Feedback renders unfixed issues as lines for the next prompt.
func (c *Candidate) Feedback() []string {
	var lines []string
	for _, issue := range c.Issues {
		if issue.Fixed {
			continue
		}
		lines = append(lines, issue.String())
	}
	return lines
}

// Better reports whether c ranks above other. Syntax validity ranks
// first, then score. A nil other is always worse.
func (c *Candidate) Better(other *Candidate) bool {
	if other == nil {
		return true
	}
	if c.SyntaxValid != other.SyntaxValid {
		return c.SyntaxValid
	}
	return c.Score > other.Score
}
