// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompt turns a SourceUnit into a model prompt.
//
// Prompts are rendered from named text/template bodies loaded from YAML.
// Building is a pure function of the unit, the mode, and the options:
// no timestamps, randomness, or map iteration order leak into the output.
package prompt

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/AleutianAI/testpilot/services/analyzer"
)

// =============================================================================
// MODES
// =============================================================================

// Mode selects the prompt template variant.
type Mode string

const (
	// ModeBasic includes only the raw source and generic instructions.
	ModeBasic Mode = "basic"

	// ModeEnhanced adds the structured analysis and complexity-specific
	// instructions.
	ModeEnhanced Mode = "enhanced"

	// ModeIntegration emphasizes cross-component interaction.
	ModeIntegration Mode = "integration"
)

// DefaultTemplateName is the template used when none is selected.
const DefaultTemplateName = "default"

var (
	// ErrUnknownMode indicates an unrecognized mode string.
	ErrUnknownMode = errors.New("unknown prompt mode")

	// ErrTemplateNotFound indicates the requested template name is absent.
	ErrTemplateNotFound = errors.New("prompt template not found")

	// ErrInvalidTemplates indicates the template file could not be decoded.
	ErrInvalidTemplates = errors.New("invalid prompt template file")

	// ErrNilUnit indicates Build was called without a source unit.
	ErrNilUnit = errors.New("source unit must not be nil")
)

// Modes returns all valid modes.
func Modes() []Mode {
	return []Mode{ModeBasic, ModeEnhanced, ModeIntegration}
}

// ParseMode converts a string to a Mode. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, valid := range Modes() {
		if m == valid {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q (valid: %v)", ErrUnknownMode, s, Modes())
}

// =============================================================================
// BUILDER
// =============================================================================

//go:embed templates.yaml
var builtinTemplates []byte

// BuildOptions carries per-attempt prompt inputs.
type BuildOptions struct {
	// Feedback lists problems with the previous attempt, rendered as a
	// section the model is asked to fix.
	Feedback []string

	// ProjectContext is optional surrounding project information.
	ProjectContext string
}

// promptData is the template input.
type promptData struct {
	Mode         Mode
	ModuleName   string
	Path         string
	Source       string
	Analysis     string
	Instructions []string
	Context      string
	Feedback     []string
}

// Builder renders prompts from a named template.
//
// Thread Safety: Safe for concurrent use after construction.
type Builder struct {
	tmpl *template.Template
	name string
}

// Option configures a Builder.
type Option func(*builderConfig)

type builderConfig struct {
	source []byte
	name   string
}

// WithTemplates replaces the built-in template file with raw YAML.
func WithTemplates(raw []byte) Option {
	return func(c *builderConfig) {
		c.source = raw
	}
}

// WithTemplateName selects a template by name.
func WithTemplateName(name string) Option {
	return func(c *builderConfig) {
		if name != "" {
			c.name = name
		}
	}
}

// NewBuilder creates a Builder.
//
// Description:
//
//	Loads the template set (built-in unless WithTemplates is given),
//	selects the named template, and parses it once.
//
// Outputs:
//
//	*Builder - Ready to render prompts.
//	error - ErrInvalidTemplates, ErrTemplateNotFound, or a template parse error.
func NewBuilder(opts ...Option) (*Builder, error) {
	cfg := &builderConfig{source: builtinTemplates, name: DefaultTemplateName}
	for _, opt := range opts {
		opt(cfg)
	}

	set, err := parseTemplateSet(cfg.source)
	if err != nil {
		return nil, err
	}
	body, ok := set[cfg.name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrTemplateNotFound, cfg.name, sortedKeys(set))
	}

	tmpl, err := template.New(cfg.name).
		Funcs(template.FuncMap{"join": strings.Join}).
		Option("missingkey=error").
		Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse template %q: %w", cfg.name, err)
	}
	return &Builder{tmpl: tmpl, name: cfg.name}, nil
}

// TemplateName returns the selected template name.
func (b *Builder) TemplateName() string {
	return b.name
}

// Build renders the prompt for a unit and mode.
//
// Description:
//
//	Basic mode renders the raw source with generic instructions. Enhanced
//	mode adds the analyzer summary and instructions derived from the
//	unit's complexity, flags, and category. Integration mode adds the
//	summary and instructions that favor cross-component scenarios.
//
// Inputs:
//
//	unit - The analyzed source. Must not be nil.
//	mode - The prompt mode.
//	opts - Feedback and optional project context.
//
// Outputs:
//
//	string - The prompt. Identical inputs always yield identical output.
//	error - ErrNilUnit, ErrUnknownMode, or a template execution error.
func (b *Builder) Build(unit *analyzer.SourceUnit, mode Mode, opts BuildOptions) (string, error) {
	if unit == nil {
		return "", ErrNilUnit
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return "", err
	}

	data := promptData{
		Mode:       mode,
		ModuleName: unit.ModuleName,
		Path:       unit.Path,
		Source:     strings.TrimRight(unit.Source, "\n"),
		Context:    strings.TrimSpace(opts.ProjectContext),
		Feedback:   opts.Feedback,
	}
	if mode != ModeBasic && unit.Analyzable {
		data.Analysis = Summary(unit)
	}
	data.Instructions = instructions(unit, mode)

	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", b.name, err)
	}
	return buf.String(), nil
}
