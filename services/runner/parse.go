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
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// PYTEST OUTPUT PARSER
// =============================================================================

// Pytest exit codes.
const (
	exitOK          = 0
	exitTestsFailed = 1
	exitInterrupted = 2
	exitInternal    = 3
	exitUsage       = 4
	exitNoTests     = 5
)

// Pytest output patterns
var (
	pytestPassedPattern   = regexp.MustCompile(`(\d+) passed`)
	pytestFailedPattern   = regexp.MustCompile(`(\d+) failed`)
	pytestErrorPattern    = regexp.MustCompile(`(\d+) errors?\b`)
	pytestSkippedPattern  = regexp.MustCompile(`(\d+) skipped`)
	pytestSummaryPattern  = regexp.MustCompile(`^=+ .*\bin [\d.]+s.* =+$`)
	pytestShortPattern    = regexp.MustCompile(`^(FAILED|ERROR)\s+(\S+)`)
	pytestVerbosePattern  = regexp.MustCompile(`^(\S+::\S+)\s+(FAILED|ERROR)\b`)
	pytestSectionPattern  = regexp.MustCompile(`^=+ (FAILURES|ERRORS) =+$`)
	pytestShortInfoHeader = regexp.MustCompile(`^=+ short test summary info =+$`)
	pytestCoveragePattern = regexp.MustCompile(`^TOTAL\s+.*?(\d+(?:\.\d+)?)%\s*$`)
)

// Markers of a run in which pytest never executed the tests.
var collectionMarkers = []string{
	"ERROR collecting",
	"errors during collection",
	"error during collection",
	"ImportError while importing test module",
}

// Parsed is the structured content of pytest output.
type Parsed struct {
	Summary     Summary
	FailedTests []string
	Trace       string
	Coverage    *Coverage
}

// ParseOutput extracts counts, failing test ids, the failure trace section,
// and total coverage from pytest output.
//
// Description:
//
//	Counts come from the final "=== ... in N.NNs ===" line. Failing ids
//	are collected from verbose "path::test FAILED" lines and the short
//	summary "FAILED path::test - msg" lines, deduplicated in first-seen
//	order. The trace is the FAILURES or ERRORS section up to the short
//	test summary header.
func ParseOutput(output string) Parsed {
	var p Parsed
	lines := strings.Split(output, "\n")
	seen := make(map[string]bool)

	var trace []string
	inTrace := false

	for _, raw := range lines {
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)

		if pytestSectionPattern.MatchString(trimmed) {
			inTrace = true
			trace = append(trace, line)
			continue
		}
		if pytestShortInfoHeader.MatchString(trimmed) || pytestSummaryPattern.MatchString(trimmed) {
			inTrace = false
		}
		if inTrace {
			trace = append(trace, line)
		}

		if m := pytestVerbosePattern.FindStringSubmatch(trimmed); m != nil {
			addFailed(&p, seen, m[1])
		} else if m := pytestShortPattern.FindStringSubmatch(trimmed); m != nil {
			addFailed(&p, seen, m[2])
		}

		if pytestSummaryPattern.MatchString(trimmed) {
			p.Summary = Summary{
				Passed:  count(pytestPassedPattern, trimmed),
				Failed:  count(pytestFailedPattern, trimmed),
				Errors:  count(pytestErrorPattern, trimmed),
				Skipped: count(pytestSkippedPattern, trimmed),
			}
		}

		if m := pytestCoveragePattern.FindStringSubmatch(trimmed); m != nil {
			if pct, err := strconv.ParseFloat(m[1], 64); err == nil {
				p.Coverage = &Coverage{Percent: pct}
			}
		}
	}

	p.Trace = strings.TrimSpace(strings.Join(trace, "\n"))
	return p
}

func addFailed(p *Parsed, seen map[string]bool, id string) {
	if seen[id] {
		return
	}
	seen[id] = true
	p.FailedTests = append(p.FailedTests, id)
}

func count(re *regexp.Regexp, line string) int {
	m := re.FindStringSubmatch(line)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// Classify maps a pytest exit code and its output to a Status.
//
// Description:
//
//	Exit 0 is passed. Exit 1 is failed, unless the output shows that
//	collection itself broke. Exits 2 through 5, negative exits, timeouts,
//	a missing pytest module, and a missing pytest-cov plugin are
//	could-not-run. The returned reason is empty for passed and failed.
func Classify(exitCode int, output string, timedOut bool) (Status, string) {
	if timedOut {
		return StatusCouldNotRun, "timed out"
	}
	if strings.Contains(output, "No module named pytest") {
		return StatusCouldNotRun, "pytest is not installed for this interpreter"
	}
	if strings.Contains(output, "unrecognized arguments: --cov") {
		return StatusCouldNotRun, "pytest-cov is not installed (required for --coverage)"
	}

	switch exitCode {
	case exitOK:
		return StatusPassed, ""
	case exitTestsFailed:
		if reason := collectionFailure(output); reason != "" {
			return StatusCouldNotRun, reason
		}
		return StatusFailed, ""
	case exitInterrupted:
		if reason := collectionFailure(output); reason != "" {
			return StatusCouldNotRun, reason
		}
		return StatusCouldNotRun, "test session was interrupted"
	case exitInternal:
		return StatusCouldNotRun, "pytest internal error"
	case exitUsage:
		return StatusCouldNotRun, "pytest usage error"
	case exitNoTests:
		return StatusCouldNotRun, "no tests were collected"
	}
	if exitCode < 0 {
		return StatusCouldNotRun, "process was killed"
	}
	return StatusCouldNotRun, "unexpected exit code " + strconv.Itoa(exitCode)
}

// collectionFailure returns a reason when the output shows collection
// errors, preferring the underlying exception line.
func collectionFailure(output string) string {
	found := false
	for _, marker := range collectionMarkers {
		if strings.Contains(output, marker) {
			found = true
			break
		}
	}
	if !found {
		return ""
	}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "E "))
		for _, exc := range []string{"ModuleNotFoundError:", "ImportError:", "SyntaxError:", "NameError:"} {
			if strings.HasPrefix(line, exc) {
				return "collection failed: " + line
			}
		}
	}
	return "collection failed"
}
