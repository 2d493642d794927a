// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders terminal output for the testpilot CLI.
//
// Output goes through a Printer bound to explicit writers. Styling is
// applied only when color is enabled, so piped output and --no-color
// runs stay plain text.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#5C7A84")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Key       lipgloss.Style
	Box       lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Key:       lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// style returns the style an icon renders with.
func (i Icon) style() lipgloss.Style {
	switch i {
	case IconSuccess:
		return Styles.Success
	case IconWarning:
		return Styles.Warning
	case IconError:
		return Styles.Error
	case IconPending:
		return Styles.Muted
	default:
		return lipgloss.NewStyle()
	}
}

// Printer writes styled lines. Results go to Out, diagnostics to Err.
//
// Thread Safety: Safe for concurrent use if the writers are.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Color bool
}

// NewPrinter creates a printer. color enables lipgloss styling.
func NewPrinter(out, errOut io.Writer, color bool) *Printer {
	return &Printer{Out: out, Err: errOut, Color: color}
}

// Render applies s when color is enabled.
func (p *Printer) Render(s lipgloss.Style, text string) string {
	if !p.Color {
		return text
	}
	return s.Render(text)
}

// Icon renders an icon.
func (p *Printer) Icon(i Icon) string {
	return p.Render(i.style(), string(i))
}

// Title prints a bold heading.
func (p *Printer) Title(text string) {
	fmt.Fprintln(p.Out, p.Render(Styles.Title, text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	fmt.Fprintf(p.Out, "%s %s\n", p.Icon(IconSuccess), p.Render(Styles.Success, text))
}

// Warning prints a warning line on Err.
func (p *Printer) Warning(text string) {
	fmt.Fprintf(p.Err, "%s %s\n", p.Icon(IconWarning), p.Render(Styles.Warning, text))
}

// Error prints an error line on Err.
func (p *Printer) Error(text string) {
	fmt.Fprintf(p.Err, "%s %s\n", p.Icon(IconError), p.Render(Styles.Error, text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	fmt.Fprintf(p.Out, "%s %s\n", p.Render(Styles.Muted, "│"), text)
}

// Muted prints secondary text.
func (p *Printer) Muted(text string) {
	fmt.Fprintln(p.Out, p.Render(Styles.Muted, text))
}

// KeyValue prints an aligned "key: value" line.
func (p *Printer) KeyValue(key string, value any) {
	fmt.Fprintf(p.Out, "  %s %v\n", p.Render(Styles.Key, fmt.Sprintf("%-14s", key+":")), value)
}

// List prints bulleted items.
func (p *Printer) List(items []string) {
	for _, item := range items {
		fmt.Fprintf(p.Out, "  %s %s\n", p.Icon(IconBullet), item)
	}
}

// Box prints content in a rounded box, or as a titled block without
// color.
func (p *Printer) Box(title, content string) {
	if !p.Color {
		fmt.Fprintf(p.Out, "%s\n%s\n%s\n", title, strings.Repeat("-", len(title)), content)
		return
	}
	fmt.Fprintln(p.Out, Styles.Box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
}

// Block prints verbatim text, such as captured test output, on Err.
func (p *Printer) Block(text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	fmt.Fprintln(p.Err, text)
}

// Summary prints pass/fail counts.
func (p *Printer) Summary(passed, failed, errors, skipped int) {
	fmt.Fprintf(p.Out, "%s %s  %s %s  %s %s  %s %s\n",
		p.Render(Styles.Success, fmt.Sprint(passed)), p.Render(Styles.Muted, "passed"),
		p.Render(Styles.Error, fmt.Sprint(failed)), p.Render(Styles.Muted, "failed"),
		p.Render(Styles.Warning, fmt.Sprint(errors)), p.Render(Styles.Muted, "errors"),
		p.Render(Styles.Bold, fmt.Sprint(skipped)), p.Render(Styles.Muted, "skipped"),
	)
}
