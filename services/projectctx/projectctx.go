// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package projectctx assembles surrounding project information for a
// target file: sibling modules, existing tests, test tooling config, and
// the testing idioms already used in the project.
//
// The rendered context is bounded by a character budget. Sibling module
// excerpts are cut at class and def boundaries so the model sees whole
// definitions where possible.
package projectctx

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/textsplitter"
)

const (
	// DefaultBudget is the maximum rendered context size in characters.
	DefaultBudget = 6000

	// DefaultChunkSize is the excerpt chunk size in characters.
	DefaultChunkSize = 1000

	// DefaultMaxScanFiles bounds how many test files are scanned for
	// testing idioms.
	DefaultMaxScanFiles = 200

	// emptyContext is rendered when nothing useful was found.
	emptyContext = "No additional context available."
)

var (
	pythonSeparators = []string{"\nclass ", "\ndef ", "\n\n", "\n", " "}

	testDirNames = []string{"tests", "test", "testing"}

	configFileNames = []string{"pytest.ini", "tox.ini", "setup.cfg", "pyproject.toml", "conftest.py"}

	skipDirs = map[string]struct{}{
		".git":         {},
		".hg":          {},
		".tox":         {},
		".venv":        {},
		"venv":         {},
		"__pycache__":  {},
		"node_modules": {},
		"build":        {},
		"dist":         {},
	}
)

// ErrEmptyTarget indicates Assemble was called without a target path.
var ErrEmptyTarget = errors.New("target path must not be empty")

// Structure describes the project layout around the target.
type Structure struct {
	HasTestsDir bool
	ConfigFiles []string
}

// Patterns records testing idioms seen in existing test files.
type Patterns struct {
	Imports         []string
	AssertionStyles []string
	UsesFixtures    bool
}

// Excerpt is the leading chunk of a related module.
type Excerpt struct {
	Path string
	Text string
}

// Context is the assembled project context for one target file.
type Context struct {
	Target       string
	RelatedFiles []string
	ExistingTest string
	Structure    Structure
	Patterns     Patterns
	Excerpts     []Excerpt
}

// Assembler builds Context values under a project root.
//
// Thread Safety: Safe for concurrent use. Results are cached per target.
type Assembler struct {
	root         string
	budget       int
	chunkSize    int
	maxScanFiles int
	logger       *slog.Logger

	mu    sync.Mutex
	cache map[string]*Context
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithBudget sets the rendered context budget in characters.
func WithBudget(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.budget = n
		}
	}
}

// WithChunkSize sets the excerpt chunk size in characters.
func WithChunkSize(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// WithMaxScanFiles bounds the number of test files scanned.
func WithMaxScanFiles(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxScanFiles = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Assembler) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New creates an Assembler rooted at root.
func New(root string, opts ...Option) *Assembler {
	a := &Assembler{
		root:         root,
		budget:       DefaultBudget,
		chunkSize:    DefaultChunkSize,
		maxScanFiles: DefaultMaxScanFiles,
		logger:       slog.Default(),
		cache:        make(map[string]*Context),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble gathers the project context for target.
//
// Description:
//
//	Looks at sibling .py files, existing test files for the target,
//	test tooling config files at the root, and assertion and fixture
//	idioms in test_*.py files under the root. Unreadable files are
//	skipped. Repeated calls for the same target return the cached value.
//
// Inputs:
//
//	ctx - Checked between files.
//	target - Path to the Python file under test.
//
// Outputs:
//
//	*Context - The assembled context. Never nil on success.
//	error - ErrEmptyTarget or the context error.
func (a *Assembler) Assemble(ctx context.Context, target string) (*Context, error) {
	if target == "" {
		return nil, ErrEmptyTarget
	}
	key := filepath.Clean(target)

	a.mu.Lock()
	if cached, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	pc := &Context{Target: key}
	pc.RelatedFiles, pc.ExistingTest = a.relatedFiles(key)
	pc.Structure = a.structure()

	patterns, err := a.patterns(ctx)
	if err != nil {
		return nil, err
	}
	pc.Patterns = patterns

	excerpts, err := a.excerpts(ctx, pc.RelatedFiles)
	if err != nil {
		return nil, err
	}
	pc.Excerpts = excerpts

	a.logger.Debug("project context assembled",
		slog.String("target", key),
		slog.Int("related", len(pc.RelatedFiles)),
		slog.Int("excerpts", len(pc.Excerpts)),
	)

	a.mu.Lock()
	a.cache[key] = pc
	a.mu.Unlock()
	return pc, nil
}

// relatedFiles returns sibling modules and the first existing test file
// for the target, both sorted for stable output.
func (a *Assembler) relatedFiles(target string) ([]string, string) {
	dir := filepath.Dir(target)
	stem := strings.TrimSuffix(filepath.Base(target), filepath.Ext(target))

	var related []string
	matches, _ := filepath.Glob(filepath.Join(dir, "*.py"))
	for _, m := range matches {
		base := filepath.Base(m)
		if filepath.Clean(m) == target || strings.HasPrefix(base, "test_") || base == "conftest.py" {
			continue
		}
		related = append(related, m)
	}
	sort.Strings(related)

	testName := "test_" + stem + ".py"
	for _, candidate := range []string{
		filepath.Join(dir, testName),
		filepath.Join(dir, "tests", testName),
		filepath.Join(filepath.Dir(dir), "tests", testName),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return related, candidate
		}
	}
	return related, ""
}

func (a *Assembler) structure() Structure {
	var s Structure
	for _, name := range testDirNames {
		if info, err := os.Stat(filepath.Join(a.root, name)); err == nil && info.IsDir() {
			s.HasTestsDir = true
			break
		}
	}
	for _, name := range configFileNames {
		if _, err := os.Stat(filepath.Join(a.root, name)); err == nil {
			s.ConfigFiles = append(s.ConfigFiles, name)
		}
	}
	return s
}

// patterns scans test_*.py files under the root for testing idioms.
func (a *Assembler) patterns(ctx context.Context) (Patterns, error) {
	imports := make(map[string]struct{})
	styles := make(map[string]struct{})
	var p Patterns
	scanned := 0

	err := filepath.WalkDir(a.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && path != a.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasPrefix(d.Name(), "test_") || filepath.Ext(d.Name()) != ".py" {
			return nil
		}
		if scanned >= a.maxScanFiles {
			return filepath.SkipAll
		}
		scanned++

		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			a.logger.Debug("skipping unreadable test file", slog.String("path", path), slog.String("error", readErr.Error()))
			return nil
		}
		content := string(raw)

		if strings.Contains(content, "import pytest") {
			imports["pytest"] = struct{}{}
		}
		if strings.Contains(content, "from unittest") || strings.Contains(content, "import unittest") {
			imports["unittest"] = struct{}{}
		}
		if strings.Contains(content, "import mock") || strings.Contains(content, "from mock") {
			imports["mock"] = struct{}{}
		}
		if strings.Contains(content, "@pytest.fixture") {
			p.UsesFixtures = true
		}
		if strings.Contains(content, "assert ") {
			styles["assert"] = struct{}{}
		}
		if strings.Contains(content, "self.assert") {
			styles["unittest"] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return Patterns{}, err
	}

	p.Imports = sortedSet(imports)
	p.AssertionStyles = sortedSet(styles)
	return p, nil
}

// excerpts returns the first chunk of each related module, stopping once
// the chunk budget (half the total budget) is used.
func (a *Assembler) excerpts(ctx context.Context, related []string) ([]Excerpt, error) {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(a.chunkSize),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators(pythonSeparators),
	)

	remaining := a.budget / 2
	var out []Excerpt
	for _, path := range related {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if remaining <= 0 {
			break
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		chunks, err := splitter.SplitText(string(raw))
		if err != nil {
			a.logger.Debug("failed to split related file", slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		if len(chunks) == 0 {
			continue
		}

		text := chunks[0]
		if len(text) > remaining {
			text = strings.ToValidUTF8(text[:remaining], "")
		}
		remaining -= len(text)
		out = append(out, Excerpt{Path: path, Text: text})
	}
	return out, nil
}

// Render formats the context as prompt text, truncated to budget
// characters. Output is deterministic for a given Context.
func (c *Context) Render(budget int) string {
	var lines []string

	if len(c.Patterns.Imports) > 0 {
		lines = append(lines, "Project uses: "+strings.Join(c.Patterns.Imports, ", "))
	}
	if len(c.Patterns.AssertionStyles) > 0 {
		lines = append(lines, "Assertion style: "+strings.Join(c.Patterns.AssertionStyles, ", "))
	}
	if c.Patterns.UsesFixtures {
		lines = append(lines, "Existing tests use pytest fixtures.")
	}
	if c.Structure.HasTestsDir {
		lines = append(lines, "The project has a tests directory.")
	}
	if len(c.Structure.ConfigFiles) > 0 {
		lines = append(lines, "Test configuration: "+strings.Join(c.Structure.ConfigFiles, ", "))
	}
	if c.ExistingTest != "" {
		lines = append(lines, "Existing test file: "+filepath.Base(c.ExistingTest))
	}
	if len(c.RelatedFiles) > 0 {
		names := make([]string, 0, len(c.RelatedFiles))
		for _, f := range c.RelatedFiles {
			names = append(names, filepath.Base(f))
		}
		lines = append(lines, "Sibling modules: "+strings.Join(names, ", "))
	}
	for _, ex := range c.Excerpts {
		lines = append(lines, fmt.Sprintf("# %s\n%s", filepath.Base(ex.Path), strings.TrimRight(ex.Text, "\n")))
	}

	if len(lines) == 0 {
		return emptyContext
	}

	out := strings.Join(lines, "\n")
	if budget > 0 && len(out) > budget {
		out = strings.ToValidUTF8(out[:budget], "")
	}
	return out
}

// Budget returns the configured render budget.
func (a *Assembler) Budget() int {
	return a.budget
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
