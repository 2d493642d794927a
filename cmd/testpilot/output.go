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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/testpilot/services/sandbox"
	"github.com/AleutianAI/testpilot/services/verifier"
)

// writeMode controls what happens when the output file exists.
type writeMode int

const (
	writeCreate writeMode = iota
	writeOverwrite
	writeAppend
)

// outputPath returns <dir>/test_<basename of source>.
func outputPath(dir, source string) string {
	return filepath.Join(dir, "test_"+filepath.Base(source))
}

// checkOutputPaths rejects inputs that would write the same output file.
func checkOutputPaths(dir string, sources []string) error {
	seen := make(map[string]string, len(sources))
	for _, src := range sources {
		out := outputPath(dir, src)
		if prev, ok := seen[out]; ok {
			return fmt.Errorf("%w: %s and %s would both write %s", errConfig, prev, src, out)
		}
		seen[out] = src
	}
	return nil
}

// preflightOutput fails early when path exists and mode is writeCreate,
// so no provider call is spent on a file that cannot be written.
func preflightOutput(path string, mode writeMode) error {
	if mode != writeCreate {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", errOutputExists, path)
	}
	return nil
}

// writeOutput writes text to path atomically.
//
// With writeAppend the existing content is kept and text follows after
// two newlines; the combined file is still written atomically.
func writeOutput(path, text string, mode writeMode) error {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		switch mode {
		case writeCreate:
			return fmt.Errorf("%w: %s", errOutputExists, path)
		case writeAppend:
			text = string(existing) + "\n\n" + text
		}
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	return sandbox.WriteFileAtomic(path, []byte(text), 0o644)
}

// rejectedHeader prefixes a candidate that was never accepted, listing
// what is still wrong with it.
func rejectedHeader(c *verifier.Candidate, threshold float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# testpilot: this file did not pass verification (quality score %.2f, required %.2f).\n", c.Score, threshold)
	var open []verifier.Issue
	for _, issue := range c.Issues {
		if !issue.Fixed {
			open = append(open, issue)
		}
	}
	if len(open) > 0 {
		b.WriteString("# Outstanding issues:\n")
		for _, issue := range open {
			fmt.Fprintf(&b, "#   - %s\n", strings.ReplaceAll(issue.String(), "\n", " "))
		}
	}
	b.WriteString("\n")
	return b.String()
}
