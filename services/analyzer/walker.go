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
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// branchTypes are node types counted toward Branches.
var branchTypes = map[string]struct{}{
	"if_statement":     {},
	"elif_clause":      {},
	"for_statement":    {},
	"while_statement":  {},
	"try_statement":    {},
	"except_clause":    {},
	"with_statement":   {},
	"match_statement":  {},
	"case_clause":      {},
}

// walker accumulates a SourceUnit from a syntax tree.
type walker struct {
	src         []byte
	unit        *SourceUnit
	seenImports map[string]struct{}
}

func (w *walker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

// collectDefinitions records module-level functions and classes.
func (w *walker) collectDefinitions(root *sitter.Node) {
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		def, decorators := w.unwrapDecorated(child)
		if def == nil {
			continue
		}
		switch def.Type() {
		case "function_definition":
			w.unit.Functions = append(w.unit.Functions, w.function(def, decorators))
		case "class_definition":
			w.unit.Classes = append(w.unit.Classes, w.class(def))
		}
	}
}

// unwrapDecorated returns the definition inside a decorated_definition
// along with its decorator names. Other nodes are returned unchanged.
func (w *walker) unwrapDecorated(n *sitter.Node) (*sitter.Node, []string) {
	if n.Type() != "decorated_definition" {
		return n, nil
	}
	var decorators []string
	var def *sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "decorator":
			if name := w.decoratorName(child); name != "" {
				decorators = append(decorators, name)
			}
		case "function_definition", "class_definition":
			def = child
		}
	}
	return def, decorators
}

func (w *walker) decoratorName(n *sitter.Node) string {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "identifier", "attribute":
			return w.text(child)
		case "call":
			if fn := child.ChildByFieldName("function"); fn != nil {
				return w.text(fn)
			}
		}
	}
	return ""
}

func (w *walker) function(n *sitter.Node, decorators []string) Function {
	fn := Function{
		Line:       int(n.StartPoint().Row) + 1,
		Decorators: decorators,
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		switch child.Type() {
		case "async":
			fn.IsAsync = true
		case "identifier":
			if fn.Name == "" {
				fn.Name = w.text(child)
			}
		case "parameters":
			for j := 0; j < int(child.NamedChildCount()); j++ {
				p := child.NamedChild(j)
				if p.Type() == "comment" {
					continue
				}
				fn.Params = append(fn.Params, w.text(p))
			}
		case "type":
			fn.ReturnType = w.text(child)
		}
	}
	return fn
}

func (w *walker) class(n *sitter.Node) Class {
	cls := Class{Line: int(n.StartPoint().Row) + 1}
	if name := n.ChildByFieldName("name"); name != nil {
		cls.Name = w.text(name)
	}
	if supers := n.ChildByFieldName("superclasses"); supers != nil {
		for i := 0; i < int(supers.NamedChildCount()); i++ {
			arg := supers.NamedChild(i)
			if arg.Type() == "identifier" || arg.Type() == "attribute" {
				cls.Bases = append(cls.Bases, w.text(arg))
			}
		}
	}
	body := n.ChildByFieldName("body")
	if body == nil {
		return cls
	}
	for i := 0; i < int(body.NamedChildCount()); i++ {
		def, decorators := w.unwrapDecorated(body.NamedChild(i))
		if def != nil && def.Type() == "function_definition" {
			cls.Methods = append(cls.Methods, w.function(def, decorators))
		}
	}
	return cls
}

// walk visits every node once to collect imports, flags, and branches.
func (w *walker) walk(root *sitter.Node) {
	var visit func(n *sitter.Node, depth int)
	visit = func(n *sitter.Node, depth int) {
		if depth > maxDepth {
			return
		}
		typ := n.Type()
		if _, ok := branchTypes[typ]; ok {
			w.unit.Branches++
		}
		switch typ {
		case "import_statement":
			w.importStatement(n)
		case "import_from_statement":
			w.importFromStatement(n)
		case "try_statement", "raise_statement":
			w.unit.Flags.HasExceptions = true
		case "decorator":
			w.unit.Flags.HasDecorators = true
		case "await":
			w.unit.Flags.HasAsync = true
		case "async":
			// Keyword token on async def / async for / async with.
			w.unit.Flags.HasAsync = true
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			visit(n.Child(i), depth+1)
		}
	}
	visit(root, 0)
}

func (w *walker) addImport(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	if _, ok := w.seenImports[name]; ok {
		return
	}
	w.seenImports[name] = struct{}{}
	w.unit.Imports = append(w.unit.Imports, name)
}

// importStatement handles "import a.b" and "import a as b".
func (w *walker) importStatement(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			w.addImport(w.text(child))
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				w.addImport(w.text(name))
			}
		}
	}
}

// importFromStatement records the source module of "from x import y".
func (w *walker) importFromStatement(n *sitter.Node) {
	module := n.ChildByFieldName("module_name")
	if module == nil {
		return
	}
	w.addImport(w.text(module))
}
