package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopcore/loopcore/pkg/config"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestBuildRegistersOnlyConfiguredProviders(t *testing.T) {
	reg := Build(Options{Getenv: envOf(map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-test",
	})})

	p, err := reg.Resolve("anthropic/claude-sonnet-4-20250514")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())

	_, err = reg.Resolve("openai/gpt-4o")
	assert.Error(t, err, "openai has no key configured")
}

func TestBareProviderNameResolvesRecommendedModel(t *testing.T) {
	reg := Build(Options{Getenv: envOf(map[string]string{
		"OPENAI_API_KEY": "sk-test",
	})})
	p, err := reg.Resolve("openai")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
}

func TestBuildRegistersUserProviders(t *testing.T) {
	reg := Build(Options{
		Getenv: envOf(nil),
		UserProviders: []config.ProviderConfig{
			{Name: "myserver", BaseURL: "http://localhost:8000/v1", APIKey: "k", DefaultModel: "llama3"},
		},
	})
	p, err := reg.Resolve("myserver")
	require.NoError(t, err)
	assert.Equal(t, "myserver", p.Name())
}

func TestModelInfoCarriesPricing(t *testing.T) {
	reg := Build(Options{Getenv: envOf(nil)})
	info, ok := reg.ModelInfo("anthropic/claude-sonnet-4-20250514")
	require.True(t, ok)
	assert.Equal(t, 3.0, info.InputPerMTok)
	assert.Equal(t, 15.0, info.OutputPerMTok)
	assert.True(t, info.SupportsReasoning)
}

func TestLooksLikeReasoningModel(t *testing.T) {
	assert.True(t, looksLikeReasoningModel("o3-mini"))
	assert.True(t, looksLikeReasoningModel("gpt-5"))
	assert.True(t, looksLikeReasoningModel("deepseek-reasoner"))
	assert.False(t, looksLikeReasoningModel("gpt-4o"))
}

func TestAPITimeout(t *testing.T) {
	assert.Equal(t, 90*time.Second, apiTimeout(envOf(map[string]string{"LLM_API_TIMEOUT": "90"})))
	assert.Equal(t, time.Duration(0), apiTimeout(envOf(nil)))
	assert.Equal(t, time.Duration(0), apiTimeout(envOf(map[string]string{"LLM_API_TIMEOUT": "bogus"})))
}

func TestReasoningEnvOverrides(t *testing.T) {
	assert.True(t, reasoningEnabled(envOf(nil)))
	assert.False(t, reasoningEnabled(envOf(map[string]string{"GPTME_REASONING": "0"})))
	assert.Equal(t, 32000, reasoningBudget(envOf(map[string]string{"GPTME_REASONING_BUDGET": "32000"})))
	assert.Equal(t, defaultThinkingBudget, reasoningBudget(envOf(nil)))
}
