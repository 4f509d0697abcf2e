// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadFile loads a workflow definition from a YAML or JSON file.
func LoadFile(path string) (Workflow, error) {
	if strings.TrimSpace(path) == "" {
		return Workflow{}, fmt.Errorf("workflow path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseJSON(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return parseAuto(data)
	}
}

// LoadPaths loads every workflow matched by the given files, directories or
// glob patterns. Directories contribute their *.yaml, *.yml and *.json files.
// Results are sorted by path.
func LoadPaths(patterns ...string) ([]Workflow, error) {
	var files []string
	for _, p := range patterns {
		info, err := os.Stat(p)
		if err == nil && info.IsDir() {
			for _, ext := range []string{"*.yaml", "*.yml", "*.json"} {
				matches, _ := filepath.Glob(filepath.Join(p, ext))
				files = append(files, matches...)
			}
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("workflow pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("workflow path %q matched no files", p)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)

	out := make([]Workflow, 0, len(files))
	for _, f := range files {
		wf, err := LoadFile(f)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
		out = append(out, wf)
	}
	return out, nil
}

func parseAuto(data []byte) (Workflow, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if wf, err := ParseJSON(data); err == nil {
			return wf, nil
		}
	}
	if wf, err := ParseYAML(data); err == nil {
		return wf, nil
	}
	return Workflow{}, fmt.Errorf("unsupported workflow format")
}
