// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateRepo(t *testing.T) {
	tests := []struct {
		name    string
		repo    string
		wantErr bool
	}{
		{"simple", "acme/widgets", false},
		{"dots and underscores", "acme/my_repo.py", false},
		{"hyphenated owner", "big-org/x", false},

		{"empty", "", true},
		{"no slash", "widgets", true},
		{"extra segment", "acme/widgets/issues", true},
		{"path traversal", "acme/..", true},
		{"dot name", "acme/.", true},
		{"query injection", "acme/widgets?per_page=100", true},
		{"space", "acme/my repo", true},
		{"owner starts with hyphen", "-acme/widgets", true},
		{"newline", "acme/widgets\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRepo(tt.repo)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRepo(%q) error = %v, wantErr %v", tt.repo, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("error does not wrap ErrInvalid: %v", err)
			}
		})
	}
}

func TestValidateLogin(t *testing.T) {
	for _, ok := range []string{"octocat", "a", "jane-doe"} {
		if err := ValidateLogin(ok); err != nil {
			t.Errorf("ValidateLogin(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "-x", "x-", "has space", "x/y", strings.Repeat("a", 40)} {
		if err := ValidateLogin(bad); err == nil {
			t.Errorf("ValidateLogin(%q) succeeded", bad)
		}
	}
}

func TestValidateLabel(t *testing.T) {
	for _, ok := range []string{"test-failure", "needs triage", "🐛 bug"} {
		if err := ValidateLabel(ok); err != nil {
			t.Errorf("ValidateLabel(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "   ", "a\tb", strings.Repeat("x", 51)} {
		if err := ValidateLabel(bad); err == nil {
			t.Errorf("ValidateLabel(%q) succeeded", bad)
		}
	}
}

func TestValidateModel(t *testing.T) {
	for _, ok := range []string{"", "gpt-4o-mini", "llama3.1:8b", "models/gemini-2.0-flash", "claude-3-5-sonnet-20241022", "org/model@main"} {
		if err := ValidateModel(ok); err != nil {
			t.Errorf("ValidateModel(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"../../etc/passwd", "model name", "-flag", "model?x=1", "a\nb", strings.Repeat("m", 129)} {
		if err := ValidateModel(bad); err == nil {
			t.Errorf("ValidateModel(%q) succeeded", bad)
		}
	}
}

func TestValidateAll(t *testing.T) {
	if err := ValidateAll([]string{"bug", "flaky"}, ValidateLabel); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateAll(nil, ValidateLabel); err != nil {
		t.Errorf("empty slice: %v", err)
	}
	err := ValidateAll([]string{"ok", "", "a\x00b"}, ValidateLabel)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("joined error does not wrap ErrInvalid: %v", err)
	}
	if got := strings.Count(err.Error(), "invalid input"); got != 2 {
		t.Errorf("expected 2 failures, got %d: %v", got, err)
	}
}
