// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package triage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/testpilot/services/llm"
	"github.com/AleutianAI/testpilot/services/runner"
)

// MaxTraceChars bounds the trace embedded in an issue body.
const MaxTraceChars = 60000

// Title returns the default issue title for a result.
func Title(res *runner.Result) string {
	switch res.Status {
	case runner.StatusCouldNotRun:
		return fmt.Sprintf("Tests could not run in %s", filepath.Base(res.TestFile))
	default:
		return fmt.Sprintf("Test failure in %s", filepath.Base(res.TestFile))
	}
}

// Body renders the issue body: file, status, counts, failing ids, and the
// trace in a code fence. Secrets are redacted from the trace.
func Body(res *runner.Result, gistURL string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "**Test file:** `%s`\n", res.TestFile)
	fmt.Fprintf(&b, "**Status:** %s\n", res.Status)
	if res.Reason != "" {
		fmt.Fprintf(&b, "**Reason:** %s\n", res.Reason)
	}
	s := res.Summary
	fmt.Fprintf(&b, "**Summary:** %d passed, %d failed, %d errors, %d skipped\n", s.Passed, s.Failed, s.Errors, s.Skipped)
	fmt.Fprintf(&b, "**Exit code:** %d\n", res.ExitCode)
	if res.Coverage != nil {
		fmt.Fprintf(&b, "**Coverage:** %.0f%%\n", res.Coverage.Percent)
	}

	if len(res.FailedTests) > 0 {
		b.WriteString("\n### Failed tests\n\n")
		for _, id := range res.FailedTests {
			fmt.Fprintf(&b, "- `%s`\n", id)
		}
	}

	trace := res.Trace
	if trace == "" {
		trace = res.Output
	}
	if trace = strings.TrimSpace(trace); trace != "" {
		trace = truncateRunes(llm.SafeLogString(trace), MaxTraceChars)
		fence := fenceFor(trace)
		b.WriteString("\n### Trace\n\n")
		b.WriteString(fence + "text\n" + trace + "\n" + fence + "\n")
	}

	if gistURL != "" {
		fmt.Fprintf(&b, "\nTest file gist: %s\n", gistURL)
	}
	b.WriteString("\n_Filed automatically by TestPilot._\n")
	return b.String()
}

// truncateRunes keeps the first max runes of s and marks the cut.
func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "\n... (truncated)"
		}
		n++
	}
	return s
}

// fenceFor returns a backtick fence longer than any backtick run in s.
func fenceFor(s string) string {
	longest, run := 0, 0
	for _, r := range s {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
			continue
		}
		run = 0
	}
	if longest < 3 {
		return "```"
	}
	return strings.Repeat("`", longest+1)
}
