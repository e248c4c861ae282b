package provider

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/loopcore/pkg/message"
)

type stubProvider struct{ model string }

func (s *stubProvider) Name() string { return "stub" }
func (s *stubProvider) Chat(context.Context, []message.Message, []ToolSchema) (string, message.Usage, error) {
	return "", message.Usage{}, nil
}
func (s *stubProvider) Stream(context.Context, []message.Message, []ToolSchema) (iter.Seq2[Token, error], error) {
	return nil, nil
}

func TestParseQualifiedModel(t *testing.T) {
	p, m := Parse("anthropic/claude-sonnet-4")
	assert.Equal(t, "anthropic", p)
	assert.Equal(t, "claude-sonnet-4", m)

	p, m = Parse("anthropic")
	assert.Equal(t, "anthropic", p)
	assert.Equal(t, "", m)
}

func TestRegistryResolveUsesDefaultModel(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFactory("stub", func(model string) (Provider, error) {
		return &stubProvider{model: model}, nil
	})
	reg.RegisterModel(ModelInfo{Provider: "stub", Model: "stub-large"}, true)

	p, err := reg.Resolve("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub-large", p.(*stubProvider).model)

	p, err = reg.Resolve("stub/stub-small")
	require.NoError(t, err)
	assert.Equal(t, "stub-small", p.(*stubProvider).model)
}

func TestRegistryResolveUnknownProvider(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Resolve("nonexistent/model")
	assert.Error(t, err)
}
