// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"errors"
	"io"
	"strings"

	"github.com/charmbracelet/huh"
)

// ErrNotInteractive indicates a prompt was requested without a terminal.
var ErrNotInteractive = errors.New("prompt requires an interactive terminal")

// ConfirmOptions describes a yes/no prompt.
type ConfirmOptions struct {
	Title       string
	Description string

	// Affirmative and Negative label the buttons. Default: "Yes"/"No".
	Affirmative string
	Negative    string

	// Interactive must be true; callers pass IsTerminal(os.Stdin).
	Interactive bool

	// Input and Output override the terminal, mainly for tests.
	Input  io.Reader
	Output io.Writer
}

// Confirm asks a yes/no question with a huh form.
//
// Outputs:
//
//	bool - True when the user chose the affirmative answer
//	error - ErrNotInteractive, huh.ErrUserAborted, or a terminal error
func Confirm(opts ConfirmOptions) (bool, error) {
	if !opts.Interactive {
		return false, ErrNotInteractive
	}
	if opts.Affirmative == "" {
		opts.Affirmative = "Yes"
	}
	if opts.Negative == "" {
		opts.Negative = "No"
	}

	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(opts.Title).
			Description(opts.Description).
			Affirmative(opts.Affirmative).
			Negative(opts.Negative).
			Value(&ok),
	)).WithTheme(theme()).WithShowHelp(false)

	if opts.Input != nil {
		form = form.WithInput(opts.Input)
	}
	if opts.Output != nil {
		form = form.WithOutput(opts.Output)
	}

	if err := form.Run(); err != nil {
		return false, err
	}
	return ok, nil
}

// SecretOptions describes a masked single-line prompt.
type SecretOptions struct {
	Title       string
	Description string

	// Interactive must be true; callers pass IsTerminal(os.Stdin).
	Interactive bool

	Input  io.Reader
	Output io.Writer
}

// Secret asks for a value with echo disabled. An empty answer is returned
// as "" so callers can treat it as "skip".
func Secret(opts SecretOptions) (string, error) {
	if !opts.Interactive {
		return "", ErrNotInteractive
	}

	var value string
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title(opts.Title).
			Description(opts.Description).
			EchoMode(huh.EchoModePassword).
			Value(&value),
	)).WithTheme(theme()).WithShowHelp(false)

	if opts.Input != nil {
		form = form.WithInput(opts.Input)
	}
	if opts.Output != nil {
		form = form.WithOutput(opts.Output)
	}

	if err := form.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// theme returns the huh theme matching the palette.
func theme() *huh.Theme {
	t := huh.ThemeBase()
	t.Focused.Title = t.Focused.Title.Foreground(ColorTealBright).Bold(true)
	t.Focused.Description = t.Focused.Description.Foreground(ColorSlate)
	t.Focused.FocusedButton = t.Focused.FocusedButton.Background(ColorTealPrimary)
	t.Blurred.Title = t.Blurred.Title.Foreground(ColorSlate)
	return t
}

// Truncate shortens s to maxLen runes, ending in "..." when cut.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
