package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{ name string }

func (s *stubProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{Model: req.Model}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (s *stubProvider) Name() string { return s.name }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Default()
	assert.Error(t, err)

	r.Register("openai-compatible", &stubProvider{name: "openai-compatible"})
	r.Register("azure", &stubProvider{name: "azure"})

	p, ok := r.Get("azure")
	require.True(t, ok)
	assert.Equal(t, "azure", p.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Error(t, r.SetDefault("missing"))
	require.NoError(t, r.SetDefault("openai-compatible"))

	d, err := r.Default()
	require.NoError(t, err)
	assert.Equal(t, "openai-compatible", d.Name())

	assert.Equal(t, []string{"azure", "openai-compatible"}, r.List())
}
