package ollama

import (
	"context"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
)

// Generator completes prompts with an Ollama chat model.
type Generator struct {
	client *api.Client
	model  string
}

// NewGenerator creates a generator for model served at baseURL.
func NewGenerator(baseURL, model string) (*Generator, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	return &Generator{client: newClient(base), model: model}, nil
}

// Generate returns the full completion of prompt.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	stream := false
	var b strings.Builder
	err := g.client.Generate(ctx, &api.GenerateRequest{
		Model:  g.model,
		Prompt: prompt,
		Stream: &stream,
	}, func(resp api.GenerateResponse) error {
		b.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate (%s): %w", g.model, err)
	}
	return b.String(), nil
}
