// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzer extracts a static summary of a Python source file.
//
// The analyzer parses source text with tree-sitter and never executes it.
// Its output, a SourceUnit, records function signatures, class structure,
// imports, and a handful of heuristic flags, and derives two coarse labels:
//
//   - Complexity: low, medium, or high
//   - Category: web, data-science, cli, or general
//
// # Complexity Thresholds
//
// Thresholds are fixed so that identical input always yields identical
// labels:
//
//   - high: more than 10 functions (methods included), more than 25
//     branch nodes, or any use of async, decorators, or exception handling
//   - medium: more than 3 functions or more than 8 branch nodes
//   - low: everything else
//
// # Category Detection
//
// Import roots are matched against fixed keyword sets in the order web,
// data-science, cli. The first set with a match wins; files matching none
// are "general".
//
// # Thread Safety
//
// Analyze is safe for concurrent use. Each call creates its own parser.
package analyzer
