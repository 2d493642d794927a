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
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// LoadTemplates reads a template file from disk and returns its raw bytes
// after checking it decodes. Pass the result to WithTemplates.
//
// The file holds either a mapping of template names to bodies or a single
// string, which becomes the "default" template.
func LoadTemplates(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt templates: %w", err)
	}
	if _, err := parseTemplateSet(raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return raw, nil
}

// TemplateNames lists the templates in a raw template file, sorted.
func TemplateNames(raw []byte) ([]string, error) {
	set, err := parseTemplateSet(raw)
	if err != nil {
		return nil, err
	}
	return sortedKeys(set), nil
}

func parseTemplateSet(raw []byte) (map[string]string, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplates, err)
	}

	switch v := doc.(type) {
	case string:
		return map[string]string{DefaultTemplateName: v}, nil
	case map[string]any:
		set := make(map[string]string, len(v))
		for name, body := range v {
			s, ok := body.(string)
			if !ok {
				return nil, fmt.Errorf("%w: template %q is not a string", ErrInvalidTemplates, name)
			}
			set[name] = s
		}
		if len(set) == 0 {
			return nil, fmt.Errorf("%w: no templates defined", ErrInvalidTemplates)
		}
		return set, nil
	default:
		return nil, fmt.Errorf("%w: expected a mapping or a string", ErrInvalidTemplates)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
