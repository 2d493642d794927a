// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

import (
	"fmt"
	"strings"
)

// =============================================================================
// LABELS
// =============================================================================

// Complexity is a coarse label derived from structural counts.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// Category is a coarse project label derived from imports.
type Category string

const (
	CategoryWeb         Category = "web"
	CategoryDataScience Category = "data-science"
	CategoryCLI         Category = "cli"
	CategoryGeneral     Category = "general"
)

// =============================================================================
// SOURCE UNIT
// =============================================================================

// Function describes a function or method definition.
type Function struct {
	// Name is the function name.
	Name string `json:"name"`

	// Params holds each parameter as written, including annotations
	// and defaults (e.g. "limit: int = 10").
	Params []string `json:"params"`

	// ReturnType is the return annotation, or empty if absent.
	ReturnType string `json:"return_type,omitempty"`

	// Line is the 1-based line of the def keyword.
	Line int `json:"line"`

	// IsAsync is true for "async def".
	IsAsync bool `json:"is_async,omitempty"`

	// Decorators lists decorator names without the leading @.
	Decorators []string `json:"decorators,omitempty"`
}

// Signature renders the function as a Python def line without the colon.
func (f Function) Signature() string {
	var sb strings.Builder
	if f.IsAsync {
		sb.WriteString("async ")
	}
	fmt.Fprintf(&sb, "def %s(%s)", f.Name, strings.Join(f.Params, ", "))
	if f.ReturnType != "" {
		sb.WriteString(" -> ")
		sb.WriteString(f.ReturnType)
	}
	return sb.String()
}

// IsPublic reports whether the name does not start with an underscore.
func (f Function) IsPublic() bool {
	return !strings.HasPrefix(f.Name, "_")
}

// Class describes a class definition.
type Class struct {
	Name    string     `json:"name"`
	Bases   []string   `json:"bases,omitempty"`
	Methods []Function `json:"methods,omitempty"`
	Line    int        `json:"line"`
}

// MethodNames returns the names of the class's methods in source order.
func (c Class) MethodNames() []string {
	names := make([]string, 0, len(c.Methods))
	for _, m := range c.Methods {
		names = append(names, m.Name)
	}
	return names
}

// Flags records coarse structural heuristics.
type Flags struct {
	HasExceptions bool `json:"has_exceptions"`
	HasDecorators bool `json:"has_decorators"`
	HasAsync      bool `json:"has_async"`
}

// SourceUnit is the immutable analysis of one source file.
//
// A SourceUnit is built once per invocation from the file's current
// contents. Analyzable is false for units built with Minimal, which carry
// only the raw source.
type SourceUnit struct {
	// Path is the file path as given by the caller.
	Path string `json:"path"`

	// ModuleName is the importable module name (base name without .py).
	ModuleName string `json:"module_name"`

	// Source is the raw file text.
	Source string `json:"-"`

	// Hash is the hex SHA-256 of Source.
	Hash string `json:"hash"`

	Functions []Function `json:"functions"`
	Classes   []Class    `json:"classes"`

	// Imports lists imported module names in order of first appearance.
	Imports []string `json:"imports"`

	Flags Flags `json:"flags"`

	// Branches counts if/elif/for/while/try/except/with/match nodes.
	Branches int `json:"branches"`

	Complexity Complexity `json:"complexity"`
	Category   Category   `json:"category"`

	// Analyzable is false when the source could not be parsed.
	Analyzable bool `json:"analyzable"`
}

// FunctionCount returns top-level functions plus methods.
func (u *SourceUnit) FunctionCount() int {
	n := len(u.Functions)
	for _, c := range u.Classes {
		n += len(c.Methods)
	}
	return n
}

// PublicNames returns top-level function and class names that do not start
// with an underscore, in source order.
func (u *SourceUnit) PublicNames() []string {
	var names []string
	for _, f := range u.Functions {
		if f.IsPublic() {
			names = append(names, f.Name)
		}
	}
	for _, c := range u.Classes {
		if !strings.HasPrefix(c.Name, "_") {
			names = append(names, c.Name)
		}
	}
	return names
}

// TestableNames returns public functions and public methods. Methods are
// reported by bare name, which is how tests usually reference them.
func (u *SourceUnit) TestableNames() []string {
	var names []string
	for _, f := range u.Functions {
		if f.IsPublic() {
			names = append(names, f.Name)
		}
	}
	for _, c := range u.Classes {
		for _, m := range c.Methods {
			if m.IsPublic() {
				names = append(names, m.Name)
			}
		}
	}
	return names
}
