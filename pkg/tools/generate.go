// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Generator produces text from a prompt. ollama.Generator satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// RegisterGenerator exposes gen as a text generation tool:
//
//	<name> {prompt, ...} -> {text}
//
// Extra arguments are appended to the prompt as "key: value" lines so
// callers can pass structured context without formatting it themselves.
func (r *Registry) RegisterGenerator(name string, gen Generator) error {
	return r.Register(Tool{
		Name:        name,
		Description: "Generate text from a prompt",
		Call: func(ctx context.Context, args map[string]any) (any, error) {
			prompt, err := stringArg(args, "prompt")
			if err != nil {
				return nil, err
			}
			text, err := gen.Generate(ctx, buildPrompt(prompt, args))
			if err != nil {
				return nil, err
			}
			return map[string]any{"text": text}, nil
		},
	})
}

func buildPrompt(prompt string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		if k != "prompt" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return prompt
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, args[k])
	}
	return b.String()
}
