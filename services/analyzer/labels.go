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

import "strings"

// Complexity thresholds. Changing these changes labels for existing input.
const (
	highFunctionThreshold   = 10
	highBranchThreshold     = 25
	mediumFunctionThreshold = 3
	mediumBranchThreshold   = 8
)

// categoryRule maps a category to the import roots that select it.
type categoryRule struct {
	category Category
	roots    map[string]struct{}
}

func rootSet(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// categoryRules are checked in order; the first match wins.
var categoryRules = []categoryRule{
	{
		category: CategoryWeb,
		roots: rootSet("flask", "django", "fastapi", "starlette", "aiohttp",
			"tornado", "bottle", "pyramid", "sanic", "falcon", "quart", "werkzeug"),
	},
	{
		category: CategoryDataScience,
		roots: rootSet("numpy", "pandas", "scipy", "sklearn", "matplotlib",
			"seaborn", "tensorflow", "torch", "keras", "xgboost", "statsmodels", "polars"),
	},
	{
		category: CategoryCLI,
		roots: rootSet("click", "argparse", "typer", "fire", "docopt",
			"optparse", "getopt", "rich"),
	},
}

func deriveComplexity(u *SourceUnit) Complexity {
	functions := u.FunctionCount()
	switch {
	case functions > highFunctionThreshold,
		u.Branches > highBranchThreshold,
		u.Flags.HasAsync,
		u.Flags.HasDecorators,
		u.Flags.HasExceptions:
		return ComplexityHigh
	case functions > mediumFunctionThreshold, u.Branches > mediumBranchThreshold:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

func deriveCategory(imports []string) Category {
	roots := make(map[string]struct{}, len(imports))
	for _, imp := range imports {
		if strings.HasPrefix(imp, ".") {
			continue
		}
		root, _, _ := strings.Cut(imp, ".")
		roots[root] = struct{}{}
	}
	for _, rule := range categoryRules {
		for root := range roots {
			if _, ok := rule.roots[root]; ok {
				return rule.category
			}
		}
	}
	return CategoryGeneral
}
