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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// DefaultMaxFileSize is the largest source file Analyze accepts (5 MiB).
const DefaultMaxFileSize = 5 * 1024 * 1024

// Analyzer builds SourceUnits from Python source.
//
// Thread Safety: Safe for concurrent use.
type Analyzer struct {
	maxFileSize int
	logger      *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxFileSize overrides the size limit. Non-positive values are ignored.
func WithMaxFileSize(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxFileSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an Analyzer.
func New(opts ...Option) *Analyzer {
	a := &Analyzer{
		maxFileSize: DefaultMaxFileSize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze parses source and builds its SourceUnit.
//
// Description:
//
//	Parses the source with tree-sitter, walks the syntax tree once to
//	collect definitions, imports, and structural flags, and derives the
//	complexity and category labels. The source is never executed.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	path - File path, used for the module name and error messages.
//	source - Raw file content.
//
// Outputs:
//
//	*SourceUnit - The analysis. Nil on error.
//	error - *ParseError (errors.Is ErrUnparseable) for invalid syntax,
//	        ErrFileTooLarge, ErrInvalidContent, or a context error.
//
// Thread Safety: Safe for concurrent use.
func (a *Analyzer) Analyze(ctx context.Context, path string, source []byte) (*SourceUnit, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(source) > a.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFileTooLarge, len(source), a.maxFileSize)
	}
	if !utf8.Valid(source) {
		return nil, ErrInvalidContent
	}

	tree, err := ParseTree(ctx, source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if perr := FirstSyntaxError(root, source); perr != nil {
		perr.Path = path
		a.logger.Debug("source has syntax errors",
			slog.String("path", path),
			slog.Int("line", perr.Line),
		)
		return nil, perr
	}

	unit := Minimal(path, source)
	unit.Analyzable = true

	w := &walker{src: source, unit: unit, seenImports: make(map[string]struct{})}
	w.collectDefinitions(root)
	w.walk(root)

	unit.Complexity = deriveComplexity(unit)
	unit.Category = deriveCategory(unit.Imports)

	a.logger.Debug("analyzed source",
		slog.String("path", path),
		slog.Int("functions", unit.FunctionCount()),
		slog.Int("classes", len(unit.Classes)),
		slog.Int("imports", len(unit.Imports)),
		slog.String("complexity", string(unit.Complexity)),
		slog.String("category", string(unit.Category)),
	)
	return unit, nil
}

// Minimal builds a SourceUnit carrying only the raw source.
//
// Used when the source cannot be parsed: callers fall back to basic-mode
// prompting, which needs nothing beyond the text.
func Minimal(path string, source []byte) *SourceUnit {
	sum := sha256.Sum256(source)
	return &SourceUnit{
		Path:       path,
		ModuleName: ModuleName(path),
		Source:     string(source),
		Hash:       hex.EncodeToString(sum[:]),
		Complexity: ComplexityLow,
		Category:   CategoryGeneral,
	}
}

// ModuleName returns the importable module name for a file path.
func ModuleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseTree parses Python source into a tree-sitter tree.
//
// The caller must Close the returned tree. A nil error does not imply the
// source is valid; use FirstSyntaxError on the root node.
func ParseTree(ctx context.Context, source []byte) (*sitter.Tree, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	return tree, nil
}

// FirstSyntaxError returns the first ERROR or MISSING node in document
// order, or nil if the tree is clean.
func FirstSyntaxError(root *sitter.Node, source []byte) *ParseError {
	if root == nil {
		return &ParseError{Line: 1, Column: 1, Message: "empty syntax tree"}
	}
	if !root.HasError() {
		return nil
	}
	node := findErrorNode(root, 0)
	if node == nil {
		// HasError without a locatable node; report the root.
		return &ParseError{Line: 1, Column: 1, Message: "invalid syntax"}
	}

	pt := node.StartPoint()
	perr := &ParseError{
		Line:   int(pt.Row) + 1,
		Column: int(pt.Column) + 1,
	}
	if node.IsMissing() {
		perr.Message = fmt.Sprintf("missing %q", node.Type())
	} else {
		snippet := strings.TrimSpace(node.Content(source))
		if idx := strings.IndexByte(snippet, '\n'); idx >= 0 {
			snippet = snippet[:idx]
		}
		if len(snippet) > 40 {
			snippet = snippet[:40] + "..."
		}
		if snippet == "" {
			perr.Message = "invalid syntax"
		} else {
			perr.Message = fmt.Sprintf("invalid syntax near %q", snippet)
		}
	}
	return perr
}

// maxDepth bounds recursion on pathological input.
const maxDepth = 2000

func findErrorNode(node *sitter.Node, depth int) *sitter.Node {
	if depth > maxDepth {
		return nil
	}
	if node.IsError() || node.IsMissing() {
		return node
	}
	if !node.HasError() {
		return nil
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if found := findErrorNode(node.Child(i), depth+1); found != nil {
			return found
		}
	}
	return nil
}
