// Package ollama talks to an Ollama server. Embedder backs the semantic
// index and Generator backs text generation tools.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/jllopis/kairosflow/pkg/memory"
)

// DefaultBaseURL is the local Ollama endpoint.
const DefaultBaseURL = "http://localhost:11434"

// Embedder embeds text with an Ollama embedding model.
type Embedder struct {
	client *api.Client
	model  string
}

var _ memory.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embedder for model served at baseURL.
func NewEmbedder(baseURL, model string) (*Embedder, error) {
	base, err := parseBase(baseURL)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: newClient(base), model: model}, nil
}

func newClient(base *url.URL) *api.Client {
	return api.NewClient(base, &http.Client{Timeout: 60 * time.Second})
}

func parseBase(baseURL string) (*url.URL, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama base url %q: %w", baseURL, err)
	}
	return base, nil
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings(ctx, &api.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings (%s): %w", e.model, err)
	}
	vec := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
