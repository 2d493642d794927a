// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided values before they are placed
// in URLs, API request paths, or subprocess arguments.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// ErrInvalid marks every validation failure.
var ErrInvalid = errors.New("invalid input")

// repoPattern matches GitHub owner/name. Owners are 1-39 alphanumerics or
// hyphens; names allow dots and underscores.
var repoPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})/[A-Za-z0-9._-]{1,100}$`)

// loginPattern matches a GitHub user login.
var loginPattern = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9-]{0,38})$`)

// modelPattern matches provider model names such as "gpt-4o-mini",
// "llama3.1:8b", "models/gemini-2.0-flash", or "org/model@rev".
var modelPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@+-]{0,127}$`)

// maxLabelLen is GitHub's label name limit.
const maxLabelLen = 50

// ValidateRepo validates a GitHub repository in owner/name form.
//
// Example:
//
//	if err := validation.ValidateRepo(repo); err != nil {
//	    return err
//	}
//	// Safe to use in /repos/{owner}/{name}
func ValidateRepo(repo string) error {
	if repo == "" {
		return fmt.Errorf("%w: repository cannot be empty", ErrInvalid)
	}
	if !repoPattern.MatchString(repo) {
		return fmt.Errorf("%w: repository %q (must be owner/name)", ErrInvalid, repo)
	}
	name := repo[strings.IndexByte(repo, '/')+1:]
	if name == "." || name == ".." {
		return fmt.Errorf("%w: repository %q", ErrInvalid, repo)
	}
	return nil
}

// ValidateLogin validates a GitHub user login, as used for assignees.
func ValidateLogin(login string) error {
	if !loginPattern.MatchString(login) || strings.HasSuffix(login, "-") {
		return fmt.Errorf("%w: login %q", ErrInvalid, login)
	}
	return nil
}

// ValidateLabel validates an issue label: 1-50 characters, no control
// characters, not only whitespace.
func ValidateLabel(label string) error {
	if strings.TrimSpace(label) == "" {
		return fmt.Errorf("%w: label cannot be empty", ErrInvalid)
	}
	if len([]rune(label)) > maxLabelLen {
		return fmt.Errorf("%w: label %q exceeds %d characters", ErrInvalid, label, maxLabelLen)
	}
	for _, r := range label {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: label %q contains control characters", ErrInvalid, label)
		}
	}
	return nil
}

// ValidateModel validates a model name. An empty name is allowed and
// means the provider default.
func ValidateModel(model string) error {
	if model == "" {
		return nil
	}
	if !modelPattern.MatchString(model) || strings.Contains(model, "..") {
		return fmt.Errorf("%w: model %q", ErrInvalid, model)
	}
	return nil
}

// ValidateAll applies validate to every value and reports all failures.
func ValidateAll(values []string, validate func(string) error) error {
	var errs []error
	for _, v := range values {
		if err := validate(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
