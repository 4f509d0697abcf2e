// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jllopis/kairosflow/pkg/errors"
)

type fakeGenerator struct {
	prompts []string
	text    string
	err     error
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	return g.text, g.err
}

func TestGeneratorTool(t *testing.T) {
	gen := &fakeGenerator{text: "Subject: Hello\nBody"}
	r := NewRegistry()
	require.NoError(t, r.RegisterGenerator("llm.generate", gen))

	out, err := r.Invoke(context.Background(), "llm.generate", map[string]any{
		"prompt":        "Write a welcome email",
		"campaign_type": "welcome",
		"brand":         "Acme",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "Subject: Hello\nBody"}, out)
	require.Len(t, gen.prompts, 1)
	assert.Equal(t, "Write a welcome email\n\nbrand: Acme\ncampaign_type: welcome", gen.prompts[0])

	_, err = r.Invoke(context.Background(), "llm.generate", map[string]any{})
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
	assert.Len(t, gen.prompts, 1)
}

func TestGeneratorToolFailure(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterGenerator("llm.generate", &fakeGenerator{err: stderrors.New("model not loaded")}))

	_, err := r.Invoke(context.Background(), "llm.generate", map[string]any{"prompt": "hi"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeExternalTool))
	assert.True(t, errors.IsRecoverable(err))
}
