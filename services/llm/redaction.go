// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"regexp"
)

// redactionPattern pairs a secret format with its replacement label.
type redactionPattern struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// redactionPatterns is applied in order. Prefixes that share a stem
// (sk-ant- and sk-, github_pat_ and ghp_) list the longer one first so a
// key is labeled by its real provider.
var redactionPatterns = []redactionPattern{
	{
		Pattern:     regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
		Replacement: "[REDACTED:anthropic_key]",
	},
	{
		Pattern:     regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_-]{20,}`),
		Replacement: "[REDACTED:openai_key]",
	},
	{
		Pattern:     regexp.MustCompile(`AIza[A-Za-z0-9_-]{30,}`),
		Replacement: "[REDACTED:gemini_key]",
	},
	{
		Pattern:     regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`),
		Replacement: "[REDACTED:github_token]",
	},
	{
		Pattern:     regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),
		Replacement: "[REDACTED:github_token]",
	},
	{
		Pattern:     regexp.MustCompile(`(?i)(bearer|token)\s+[A-Za-z0-9._-]{10,}`),
		Replacement: "${1} [REDACTED]",
	},
	{
		Pattern:     regexp.MustCompile(`key=[A-Za-z0-9._-]{10,}`),
		Replacement: "key=[REDACTED]",
	},
}

// SafeLogString redacts known secret formats from s.
//
// Description:
//
//	Replaces OpenAI, Anthropic, Gemini, and GitHub keys, bearer and token
//	header values, and key= query parameters with labeled placeholders.
//	Every string that may carry a backend response or request detail goes
//	through here before it reaches a log line or a user-facing error.
//
// Limitations:
//
//	Pattern-based only. Secrets in unknown formats pass through.
//
// Thread Safety: Safe for concurrent use.
func SafeLogString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range redactionPatterns {
		s = p.Pattern.ReplaceAllString(s, p.Replacement)
	}
	return s
}
