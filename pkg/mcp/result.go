// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/kairosflow/pkg/errors"
)

// ResultValue converts a tool result into a plain Go value. Structured
// content wins; otherwise text content is joined, and text holding a JSON
// object or array is decoded so output mappings can address its fields.
func ResultValue(result *mcp.CallToolResult) (any, error) {
	if result == nil {
		return nil, errors.New(errors.CodeExternalTool, "mcp tool returned no result", nil)
	}
	text := TextContent(result.Content)
	if result.IsError {
		return nil, errors.New(errors.CodeExternalTool, "mcp tool reported an error", nil).
			WithContext("detail", text)
	}
	if result.StructuredContent != nil {
		return result.StructuredContent, nil
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			return decoded, nil
		}
	}
	if text != "" {
		return text, nil
	}
	return nil, nil
}

// TextContent joins every text item of a result.
func TextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// CheckArguments reports the first required input field missing from args.
func CheckArguments(tool mcp.Tool, args map[string]any) error {
	if tool.InputSchema.Type != "" && tool.InputSchema.Type != "object" {
		return nil
	}
	for _, key := range tool.InputSchema.Required {
		if _, ok := args[key]; !ok {
			return errors.Validation("tool %s: missing required argument %q", tool.Name, key)
		}
	}
	return nil
}
