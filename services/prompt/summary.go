// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompt

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/testpilot/services/analyzer"
)

// Summary renders the analyzer view of a unit as plain text.
func Summary(unit *analyzer.SourceUnit) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Complexity: %s\n", unit.Complexity)
	fmt.Fprintf(&sb, "Category: %s\n", unit.Category)
	fmt.Fprintf(&sb, "Branches: %d\n", unit.Branches)

	if len(unit.Imports) > 0 {
		fmt.Fprintf(&sb, "Imports: %s\n", strings.Join(unit.Imports, ", "))
	}

	var flags []string
	if unit.Flags.HasAsync {
		flags = append(flags, "async")
	}
	if unit.Flags.HasDecorators {
		flags = append(flags, "decorators")
	}
	if unit.Flags.HasExceptions {
		flags = append(flags, "exceptions")
	}
	if len(flags) > 0 {
		fmt.Fprintf(&sb, "Features: %s\n", strings.Join(flags, ", "))
	}

	if len(unit.Functions) > 0 {
		sb.WriteString("Functions:\n")
		for _, fn := range unit.Functions {
			fmt.Fprintf(&sb, "- %s (line %d)\n", fn.Signature(), fn.Line)
		}
	}

	if len(unit.Classes) > 0 {
		sb.WriteString("Classes:\n")
		for _, cls := range unit.Classes {
			header := "class " + cls.Name
			if len(cls.Bases) > 0 {
				header += "(" + strings.Join(cls.Bases, ", ") + ")"
			}
			if methods := cls.MethodNames(); len(methods) > 0 {
				header += ": " + strings.Join(methods, ", ")
			}
			fmt.Fprintf(&sb, "- %s (line %d)\n", header, cls.Line)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// instructions returns the mode-specific instruction list.
func instructions(unit *analyzer.SourceUnit, mode Mode) []string {
	switch mode {
	case ModeEnhanced:
		return enhancedInstructions(unit)
	case ModeIntegration:
		return integrationInstructions(unit)
	default:
		return nil
	}
}

func enhancedInstructions(unit *analyzer.SourceUnit) []string {
	out := []string{
		"Write at least one test per public function and method; name tests test_<name>_<scenario>.",
	}

	switch unit.Complexity {
	case analyzer.ComplexityHigh:
		out = append(out, "This code is high complexity: cover edge cases, boundary values, invalid input, and every error path explicitly.")
	case analyzer.ComplexityMedium:
		out = append(out, "Cover typical inputs plus at least one boundary case per function.")
	default:
		out = append(out, "Keep tests short and focused on observable behavior.")
	}

	if unit.Flags.HasExceptions {
		out = append(out, "Assert raised exceptions with pytest.raises and check the message where it is meaningful.")
	}
	if unit.Flags.HasAsync {
		out = append(out, "Run coroutines with asyncio.run inside synchronous tests unless pytest-asyncio is imported by the project.")
	}
	if unit.Flags.HasDecorators {
		out = append(out, "Exercise decorated functions through their public interface, not their wrapped internals.")
	}

	switch unit.Category {
	case analyzer.CategoryWeb:
		out = append(out, "Use the web framework's test client instead of starting a live server.")
	case analyzer.CategoryDataScience:
		out = append(out, "Use small deterministic inputs and compare floating point results with pytest.approx.")
	case analyzer.CategoryCLI:
		out = append(out, "Invoke command entry points in-process and assert on exit codes and output.")
	}

	return out
}

func integrationInstructions(unit *analyzer.SourceUnit) []string {
	out := []string{
		"Focus on interactions between components: build real collaborators and assert on end-to-end results.",
		"Use fixtures for shared setup and mock only external systems such as the network, the filesystem, or the clock.",
		"Prefer a few realistic scenario tests over many isolated unit tests.",
	}
	if len(unit.Classes) > 0 && len(unit.Functions) > 0 {
		out = append(out, "Cover call paths where module-level functions use the classes defined in this module.")
	}
	if unit.Flags.HasExceptions {
		out = append(out, "Include at least one scenario where an error propagates across components.")
	}
	return out
}
