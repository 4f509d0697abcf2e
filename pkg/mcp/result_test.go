// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/kairosflow/pkg/errors"
)

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}}}
}

func TestResultValue(t *testing.T) {
	tests := []struct {
		name   string
		result *mcp.CallToolResult
		want   any
	}{
		{"plain text", textResult("ok"), "ok"},
		{"json object", textResult(`{"status":"in_transit"}`), map[string]any{"status": "in_transit"}},
		{"json array", textResult(`[1,2]`), []any{float64(1), float64(2)}},
		{"broken json stays text", textResult(`{"status"`), `{"status"`},
		{"structured wins", &mcp.CallToolResult{
			StructuredContent: map[string]any{"ok": true},
			Content:           []mcp.Content{mcp.TextContent{Type: "text", Text: "ignored"}},
		}, map[string]any{"ok": true}},
		{"empty", &mcp.CallToolResult{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResultValue(tt.result)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResultValueErrors(t *testing.T) {
	_, err := ResultValue(nil)
	assert.True(t, errors.IsCode(err, errors.CodeExternalTool))

	res := textResult("carrier unavailable")
	res.IsError = true
	_, err = ResultValue(res)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeExternalTool))
	assert.Equal(t, "carrier unavailable", errors.As(err).Context["detail"])
}

func TestTextContentJoinsItems(t *testing.T) {
	items := []mcp.Content{
		mcp.TextContent{Type: "text", Text: "a"},
		&mcp.TextContent{Type: "text", Text: "b"},
		mcp.ImageContent{Type: "image", Data: "xx", MIMEType: "image/png"},
	}
	assert.Equal(t, "a\nb", TextContent(items))
}

func TestCheckArguments(t *testing.T) {
	tool := mcp.Tool{
		Name:        "track",
		InputSchema: mcp.ToolInputSchema{Type: "object", Required: []string{"tracking_number"}},
	}
	assert.NoError(t, CheckArguments(tool, map[string]any{"tracking_number": "1Z"}))

	err := CheckArguments(tool, map[string]any{"carrier": "ups"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.Contains(t, err.Error(), "tracking_number")
}
