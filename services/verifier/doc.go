// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verifier checks generated pytest candidates and scores them.
//
// Verification runs three stages in order:
//
//  1. Syntax: the candidate is parsed with tree-sitter. A candidate that
//     does not parse stops here.
//  2. Imports: names that are referenced but never defined or imported are
//     looked up in a table of well-known symbols and the matching import
//     lines are inserted at the top of the import block.
//  3. Execution (optional): the corrected candidate runs under pytest next
//     to a copy of the target module in a scoped workspace.
//
// The quality score combines the stages with configurable weights and is
// only used to rank candidates.
package verifier

import "errors"

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilTarget indicates a nil target unit was passed.
	ErrNilTarget = errors.New("target unit must not be nil")

	// ErrInvalidConfig indicates a Config failed validation.
	ErrInvalidConfig = errors.New("invalid verifier config")
)
