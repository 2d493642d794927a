// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"regexp"
	"strings"
)

var fenceRE = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\r?\n(.*?)(?:```|\\z)")

// ExtractCode returns the code a model response carries.
//
// The first ```python (or ```py, ```python3) block wins, then the first
// fenced block of any language, then the whole response. An unterminated
// fence runs to the end of the text. The result is trimmed of surrounding
// blank lines and ends with a single newline.
func ExtractCode(response string) string {
	matches := fenceRE.FindAllStringSubmatch(response, -1)

	var fallback string
	found := false
	for _, m := range matches {
		lang := strings.ToLower(m[1])
		if lang == "python" || lang == "py" || lang == "python3" {
			return normalize(m[2])
		}
		if !found {
			fallback = m[2]
			found = true
		}
	}
	if found {
		return normalize(fallback)
	}
	return normalize(response)
}

func normalize(code string) string {
	code = strings.Trim(code, "\r\n")
	code = strings.TrimRight(code, " \t\r\n")
	if code == "" {
		return ""
	}
	return code + "\n"
}
