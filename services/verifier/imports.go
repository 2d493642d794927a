// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package verifier

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/testpilot/services/analyzer"
)

// =============================================================================
// KNOWN SYMBOLS
// =============================================================================

// knownSymbol is an import that provides a name.
type knownSymbol struct {
	module string
	line   string
}

func fromImport(module, name string) knownSymbol {
	return knownSymbol{module: module, line: fmt.Sprintf("from %s import %s", module, name)}
}

func plainImport(module string) knownSymbol {
	return knownSymbol{module: module, line: "import " + module}
}

// knownSymbols maps names commonly used by tests to the import providing
// them. Names from the target module are resolved separately and win.
var knownSymbols = func() map[string]knownSymbol {
	m := map[string]knownSymbol{
		"pytest":   plainImport("pytest"),
		"unittest": plainImport("unittest"),
		"mock":     fromImport("unittest", "mock"),
	}
	for _, name := range []string{"MagicMock", "Mock", "AsyncMock", "patch", "call", "PropertyMock", "mock_open", "ANY"} {
		m[name] = fromImport("unittest.mock", name)
	}
	for _, mod := range []string{
		"os", "sys", "re", "json", "math", "time", "datetime", "pathlib",
		"tempfile", "io", "random", "collections", "itertools", "functools",
		"typing", "asyncio", "subprocess", "shutil", "uuid", "decimal",
		"copy", "string", "textwrap", "logging", "inspect", "contextlib",
		"dataclasses", "enum", "operator", "statistics", "hashlib", "base64",
		"pickle", "csv", "threading", "warnings",
	} {
		m[mod] = plainImport(mod)
	}
	m["Path"] = fromImport("pathlib", "Path")
	m["dataclass"] = fromImport("dataclasses", "dataclass")
	m["Decimal"] = fromImport("decimal", "Decimal")
	for _, name := range []string{"Any", "Callable", "Dict", "Iterator", "Generator", "List", "Optional", "Set", "Tuple", "Union"} {
		m[name] = fromImport("typing", name)
	}
	for _, name := range []string{"Counter", "OrderedDict", "defaultdict", "deque", "namedtuple"} {
		m[name] = fromImport("collections", name)
	}
	return m
}()

var builtins = func() map[string]struct{} {
	names := strings.Fields(`
		__build_class__ __builtins__ __debug__ __doc__ __file__ __import__
		__loader__ __name__ __package__ __spec__ __class__
		abs aiter all anext any ascii bin bool breakpoint bytearray bytes
		callable chr classmethod compile complex copyright credits delattr
		dict dir divmod enumerate eval exec exit filter float format
		frozenset getattr globals hasattr hash help hex id input int
		isinstance issubclass iter len license list locals map max
		memoryview min next object oct open ord pow print property quit
		range repr reversed round set setattr slice sorted staticmethod str
		sum super tuple type vars zip
		Ellipsis NotImplemented
		ArithmeticError AssertionError AttributeError BaseException
		BaseExceptionGroup BlockingIOError BrokenPipeError BufferError
		BytesWarning ChildProcessError ConnectionAbortedError ConnectionError
		ConnectionRefusedError ConnectionResetError DeprecationWarning
		EOFError EncodingWarning EnvironmentError Exception ExceptionGroup
		FileExistsError FileNotFoundError FloatingPointError FutureWarning
		GeneratorExit IOError ImportError ImportWarning IndentationError
		IndexError InterruptedError IsADirectoryError KeyError
		KeyboardInterrupt LookupError MemoryError ModuleNotFoundError
		NameError NotADirectoryError NotImplementedError OSError
		OverflowError PendingDeprecationWarning PermissionError
		ProcessLookupError RecursionError ReferenceError ResourceWarning
		RuntimeError RuntimeWarning StopAsyncIteration StopIteration
		SyntaxError SyntaxWarning SystemError SystemExit TabError
		TimeoutError TypeError UnboundLocalError UnicodeDecodeError
		UnicodeEncodeError UnicodeError UnicodeTranslateError UnicodeWarning
		UserWarning ValueError Warning ZeroDivisionError
	`)
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}()

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// =============================================================================
// NAME COLLECTION
// =============================================================================

// maxDepth bounds recursion on pathological input.
const maxDepth = 2000

// scope collects defined and referenced names across a whole file. Scopes
// are not distinguished; a name defined anywhere counts as defined.
type scope struct {
	src       []byte
	defined   map[string]struct{}
	refs      map[string]struct{}
	wildcards []string
}

func newScope(src []byte) *scope {
	return &scope{
		src:     src,
		defined: make(map[string]struct{}),
		refs:    make(map[string]struct{}),
	}
}

func (s *scope) text(n *sitter.Node) string {
	return n.Content(s.src)
}

func (s *scope) define(n *sitter.Node) {
	if n != nil && n.Type() == "identifier" {
		s.defined[s.text(n)] = struct{}{}
	}
}

func sameNode(a, b *sitter.Node) bool {
	return a != nil && b != nil &&
		a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

// walkExcept walks every named child of n other than skip.
func (s *scope) walkExcept(n, skip *sitter.Node, depth int) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if sameNode(c, skip) {
			continue
		}
		s.walk(c, depth+1)
	}
}

func (s *scope) walk(n *sitter.Node, depth int) {
	if n == nil || depth > maxDepth {
		return
	}
	switch n.Type() {
	case "identifier":
		s.refs[s.text(n)] = struct{}{}
	case "import_statement", "import_from_statement":
		s.importStatement(n)
	case "future_import_statement", "comment":
	case "attribute":
		s.walk(n.ChildByFieldName("object"), depth+1)
	case "keyword_argument":
		s.walk(n.ChildByFieldName("value"), depth+1)
	case "dotted_name":
		s.walk(n.NamedChild(0), depth+1)
	case "function_definition":
		s.define(n.ChildByFieldName("name"))
		s.parameters(n.ChildByFieldName("parameters"), depth+1)
		s.walk(n.ChildByFieldName("return_type"), depth+1)
		s.walk(n.ChildByFieldName("body"), depth+1)
	case "class_definition":
		s.define(n.ChildByFieldName("name"))
		s.walk(n.ChildByFieldName("superclasses"), depth+1)
		s.walk(n.ChildByFieldName("body"), depth+1)
	case "lambda":
		s.parameters(n.ChildByFieldName("parameters"), depth+1)
		s.walk(n.ChildByFieldName("body"), depth+1)
	case "assignment", "augmented_assignment":
		s.target(n.ChildByFieldName("left"), depth+1)
		s.walk(n.ChildByFieldName("type"), depth+1)
		s.walk(n.ChildByFieldName("right"), depth+1)
	case "for_statement", "for_in_clause":
		left := n.ChildByFieldName("left")
		s.target(left, depth+1)
		s.walkExcept(n, left, depth)
	case "as_pattern":
		alias := n.ChildByFieldName("alias")
		s.target(alias, depth+1)
		s.walkExcept(n, alias, depth)
	case "named_expression":
		s.define(n.ChildByFieldName("name"))
		s.walk(n.ChildByFieldName("value"), depth+1)
	case "global_statement", "nonlocal_statement":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			s.define(n.NamedChild(i))
		}
	case "except_clause":
		afterAs := false
		for i := 0; i < int(n.ChildCount()); i++ {
			c := n.Child(i)
			switch {
			case c.Type() == "as":
				afterAs = true
				continue
			case afterAs && c.Type() == "identifier":
				s.define(c)
			case c.IsNamed():
				s.walk(c, depth+1)
			}
			afterAs = false
		}
	default:
		s.walkExcept(n, nil, depth)
	}
}

// target defines the names bound by an assignment-like target and walks
// anything else (attributes, subscripts) as references.
func (s *scope) target(n *sitter.Node, depth int) {
	if n == nil || depth > maxDepth {
		return
	}
	switch n.Type() {
	case "identifier":
		s.define(n)
	case "pattern_list", "tuple_pattern", "list_pattern", "tuple", "list",
		"expression_list", "parenthesized_expression", "list_splat_pattern",
		"list_splat", "dictionary_splat_pattern", "as_pattern_target":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			s.target(n.NamedChild(i), depth+1)
		}
	default:
		s.walk(n, depth)
	}
}

func (s *scope) parameters(n *sitter.Node, depth int) {
	if n == nil {
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		p := n.NamedChild(i)
		switch p.Type() {
		case "identifier":
			s.define(p)
		case "typed_parameter":
			if first := p.NamedChild(0); first != nil {
				s.target(first, depth+1)
			}
			s.walk(p.ChildByFieldName("type"), depth+1)
		case "default_parameter", "typed_default_parameter":
			s.define(p.ChildByFieldName("name"))
			s.walk(p.ChildByFieldName("type"), depth+1)
			s.walk(p.ChildByFieldName("value"), depth+1)
		case "list_splat_pattern", "dictionary_splat_pattern", "tuple_pattern":
			s.target(p, depth+1)
		}
	}
}

func (s *scope) importStatement(n *sitter.Node) {
	module := n.ChildByFieldName("module_name")
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		if sameNode(c, module) {
			continue
		}
		switch c.Type() {
		case "dotted_name":
			// "import os.path" binds os; "from a import b" binds b.
			s.define(c.NamedChild(0))
		case "aliased_import":
			s.define(c.ChildByFieldName("alias"))
		case "wildcard_import":
			if module != nil {
				s.wildcards = append(s.wildcards, s.text(module))
			}
		}
	}
}

// =============================================================================
// IMPORT CORRECTION
// =============================================================================

// Import is a synthesized import: the missing name and the line that
// provides it.
type Import struct {
	Name string
	Line string
}

// resolver maps an undefined name to an import line.
type resolver struct {
	module      string
	targetNames map[string]struct{}
	wildcards   map[string]struct{}
}

func newResolver(target *analyzer.SourceUnit, wildcards []string) *resolver {
	r := &resolver{
		targetNames: make(map[string]struct{}),
		wildcards:   make(map[string]struct{}),
	}
	for _, w := range wildcards {
		r.wildcards[w] = struct{}{}
	}
	if target != nil && identifierPattern.MatchString(target.ModuleName) {
		r.module = target.ModuleName
		for _, name := range target.PublicNames() {
			r.targetNames[name] = struct{}{}
		}
	}
	return r
}

func (r *resolver) resolve(name string) (string, bool) {
	if r.module != "" {
		if name == r.module {
			return "import " + r.module, true
		}
		if _, ok := r.targetNames[name]; ok {
			if _, star := r.wildcards[r.module]; star {
				return "", false
			}
			return fmt.Sprintf("from %s import %s", r.module, name), true
		}
	}
	sym, ok := knownSymbols[name]
	if !ok {
		return "", false
	}
	if _, star := r.wildcards[sym.module]; star && sym.line != "import "+sym.module {
		return "", false
	}
	return sym.line, true
}

// findMissing returns the resolvable names referenced but not defined in
// the tree, sorted by name.
func findMissing(root *sitter.Node, src []byte, target *analyzer.SourceUnit) []Import {
	s := newScope(src)
	s.walk(root, 0)

	r := newResolver(target, s.wildcards)
	var missing []Import
	for name := range s.refs {
		if _, ok := s.defined[name]; ok {
			continue
		}
		if _, ok := builtins[name]; ok {
			continue
		}
		if line, ok := r.resolve(name); ok {
			missing = append(missing, Import{Name: name, Line: line})
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Name < missing[j].Name })
	return missing
}

// insertionOffset returns the byte offset at which synthesized imports go:
// the start of the first top-level import, or after any leading comments,
// docstring, and __future__ imports.
func insertionOffset(root *sitter.Node, src []byte) int {
	after := 0
	for i := 0; i < int(root.NamedChildCount()); i++ {
		c := root.NamedChild(i)
		switch c.Type() {
		case "import_statement", "import_from_statement":
			return lineStart(src, int(c.StartByte()))
		case "future_import_statement", "comment":
			after = lineEnd(src, int(c.EndByte()))
		case "expression_statement":
			if c.NamedChildCount() == 1 && c.NamedChild(0).Type() == "string" {
				after = lineEnd(src, int(c.EndByte()))
				continue
			}
			return after
		default:
			return after
		}
	}
	return after
}

func lineStart(src []byte, off int) int {
	for off > 0 && src[off-1] != '\n' {
		off--
	}
	return off
}

func lineEnd(src []byte, off int) int {
	for off < len(src) {
		if src[off] == '\n' {
			return off + 1
		}
		off++
	}
	return len(src)
}

// applyImports inserts one line per missing import. Lines are deduplicated
// and sorted.
func applyImports(root *sitter.Node, src []byte, missing []Import) string {
	seen := make(map[string]struct{}, len(missing))
	lines := make([]string, 0, len(missing))
	for _, m := range missing {
		if _, ok := seen[m.Line]; ok {
			continue
		}
		seen[m.Line] = struct{}{}
		lines = append(lines, m.Line)
	}
	sort.Strings(lines)
	block := strings.Join(lines, "\n") + "\n"

	off := insertionOffset(root, src)
	var b strings.Builder
	b.Grow(len(src) + len(block) + 1)
	b.Write(src[:off])
	if off > 0 && src[off-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString(block)
	b.Write(src[off:])
	return b.String()
}

// CorrectImports adds import lines for well-known names that text uses but
// never imports or defines.
//
// Description:
//
//	Resolution covers pytest, unittest and unittest.mock helpers, common
//	standard library modules and names, and the target module with its
//	public functions and classes. Unknown names are left alone. The
//	correction is idempotent: correcting corrected text adds nothing.
//
// Inputs:
//
//	ctx - Context for the parse.
//	text - Candidate test source. Must parse.
//	target - The module under test. May be nil.
//
// Outputs:
//
//	string - The corrected text, or text unchanged when nothing is missing.
//	[]Import - The imports that were added, sorted by name.
//	error - Non-nil when text does not parse.
func CorrectImports(ctx context.Context, text string, target *analyzer.SourceUnit) (string, []Import, error) {
	src := []byte(text)
	tree, err := analyzer.ParseTree(ctx, src)
	if err != nil {
		return text, nil, err
	}
	defer tree.Close()

	root := tree.RootNode()
	if perr := analyzer.FirstSyntaxError(root, src); perr != nil {
		return text, nil, perr
	}

	missing := findMissing(root, src, target)
	if len(missing) == 0 {
		return text, nil, nil
	}
	return applyImports(root, src, missing), missing, nil
}
