// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sandbox

import (
	"os"
	"strings"
)

// sensitiveMarkers match environment variable names that carry secrets.
var sensitiveMarkers = []string{
	"API_KEY",
	"APIKEY",
	"TOKEN",
	"SECRET",
	"PASSWORD",
	"CREDENTIAL",
	"PRIVATE_KEY",
}

// sensitivePrefixes match provider-specific variables.
var sensitivePrefixes = []string{
	"OPENAI_",
	"ANTHROPIC_",
	"GEMINI_",
	"GOOGLE_API",
	"GITHUB_",
	"AWS_",
}

// ScrubEnv removes credential-bearing variables from environ and pins
// PYTHONDONTWRITEBYTECODE so runs leave no __pycache__ behind.
func ScrubEnv(environ []string) []string {
	out := make([]string, 0, len(environ)+1)
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if name == "PYTHONDONTWRITEBYTECODE" || isSensitive(name) {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "PYTHONDONTWRITEBYTECODE=1")
}

func isSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range sensitivePrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	for _, m := range sensitiveMarkers {
		if strings.Contains(upper, m) {
			return true
		}
	}
	return false
}

// PrependPythonPath returns env with dirs placed ahead of any existing
// PYTHONPATH entry. Empty dirs are skipped; env is not modified.
func PrependPythonPath(env []string, dirs ...string) []string {
	var parts []string
	for _, d := range dirs {
		if d != "" {
			parts = append(parts, d)
		}
	}
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		name, value, _ := strings.Cut(kv, "=")
		if name == "PYTHONPATH" {
			if value != "" {
				parts = append(parts, value)
			}
			continue
		}
		out = append(out, kv)
	}
	if len(parts) == 0 {
		return out
	}
	return append(out, "PYTHONPATH="+strings.Join(parts, string(os.PathListSeparator)))
}
