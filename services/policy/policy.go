// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy scans text for secrets and personal data before it is
// published, for example as a gist attached to a triage issue.
//
// Patterns live in an embedded YAML file grouped into prioritized
// classifications ("secret", "pii").
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Public is the classification of text that matches nothing.
const Public = "public"

//go:embed patterns.yaml
var builtinPatterns []byte

// ErrNoPatterns indicates a pattern file without any classification.
var ErrNoPatterns = errors.New("policy has no classifications")

// Engine matches text against classified patterns.
//
// Thread Safety: Safe for concurrent use after construction.
type Engine struct {
	classifications []Classification
}

// New returns an engine using the built-in patterns.
func New() (*Engine, error) {
	return NewFromYAML(builtinPatterns)
}

// NewFromYAML builds an engine from a pattern document.
//
// Outputs:
//
//	*Engine - Ready to scan.
//	error - A decode error, an invalid regex, or ErrNoPatterns.
func NewFromYAML(raw []byte) (*Engine, error) {
	var file patternFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decoding policy patterns: %w", err)
	}
	if len(file.Classifications) == 0 {
		return nil, ErrNoPatterns
	}
	if err := file.compile(); err != nil {
		return nil, fmt.Errorf("compiling policy patterns: %w", err)
	}
	file.sortByPriority()
	return &Engine{classifications: file.Classifications}, nil
}

// Classify returns the name of the highest-priority classification with
// any match in data, or Public.
func (e *Engine) Classify(data []byte) string {
	for _, c := range e.classifications {
		for _, p := range c.Patterns {
			if p.compiled.Match(data) {
				return c.Name
			}
		}
	}
	return Public
}

// Scan checks every line of content against every pattern and returns
// the findings in line order, highest priority first within a line.
func (e *Engine) Scan(content string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(content, "\n") {
		for _, c := range e.classifications {
			for _, p := range c.Patterns {
				match := p.compiled.FindString(line)
				if match == "" {
					continue
				}
				findings = append(findings, Finding{
					Line:           i + 1,
					Classification: c.Name,
					PatternID:      p.ID,
					Description:    p.Description,
					Confidence:     p.Confidence,
					Match:          mask(strings.TrimSpace(match)),
				})
			}
		}
	}
	return findings
}

// Blocking filters findings to those in classification with at least min
// confidence.
func Blocking(findings []Finding, classification string, min Confidence) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Classification == classification && f.Confidence.AtLeast(min) {
			out = append(out, f)
		}
	}
	return out
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:4]) + strings.Repeat("*", len(r)-4)
}
