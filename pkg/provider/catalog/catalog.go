// Package catalog assembles a provider.Registry from the process
// environment: which backends have API keys configured, which model each
// provider recommends by default, and what every known model costs.
package catalog

import (
	"os"
	"strconv"
	"time"

	"github.com/loopcore/loopcore/pkg/config"
	"github.com/loopcore/loopcore/pkg/cost"
	"github.com/loopcore/loopcore/pkg/provider"
	"github.com/loopcore/loopcore/pkg/provider/anthropic"
	"github.com/loopcore/loopcore/pkg/provider/openaifamily"
)

const (
	defaultMaxTokens      = 8192
	defaultThinkingBudget = 16000
)

// openAIEndpoint describes one OpenAI-compatible backend: the env var its
// key lives in, its base URL, and its recommended model.
type openAIEndpoint struct {
	name         string
	keyEnv       string
	baseURL      string
	defaultModel string
}

var openAIEndpoints = []openAIEndpoint{
	{name: "openai", keyEnv: "OPENAI_API_KEY", defaultModel: "gpt-4o"},
	{name: "openrouter", keyEnv: "OPENROUTER_API_KEY", baseURL: "https://openrouter.ai/api/v1", defaultModel: "anthropic/claude-sonnet-4"},
	{name: "gemini", keyEnv: "GEMINI_API_KEY", baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", defaultModel: "gemini-2.5-flash"},
	{name: "groq", keyEnv: "GROQ_API_KEY", baseURL: "https://api.groq.com/openai/v1", defaultModel: "llama-3.3-70b-versatile"},
	{name: "xai", keyEnv: "XAI_API_KEY", baseURL: "https://api.x.ai/v1", defaultModel: "grok-3"},
	{name: "deepseek", keyEnv: "DEEPSEEK_API_KEY", baseURL: "https://api.deepseek.com/v1", defaultModel: "deepseek-chat"},
	{name: "nvidia", keyEnv: "NVIDIA_API_KEY", baseURL: "https://integrate.api.nvidia.com/v1", defaultModel: "meta/llama-3.3-70b-instruct"},
	{name: "local", keyEnv: "OPENAI_BASE_URL", defaultModel: "local"},
}

// knownModels carries the pricing/capability table for the models this
// build recognizes out of the box; custom endpoints fall back to
// zero-priced metadata.
var knownModels = []struct {
	info      provider.ModelInfo
	isDefault bool
}{
	{provider.ModelInfo{Provider: "anthropic", Model: "claude-sonnet-4-20250514", ContextWindow: 200_000, MaxOutputTokens: 64_000, SupportsStreaming: true, SupportsVision: true, SupportsReasoning: true, InputPerMTok: 3, OutputPerMTok: 15}, true},
	{provider.ModelInfo{Provider: "anthropic", Model: "claude-opus-4-20250514", ContextWindow: 200_000, MaxOutputTokens: 32_000, SupportsStreaming: true, SupportsVision: true, SupportsReasoning: true, InputPerMTok: 15, OutputPerMTok: 75}, false},
	{provider.ModelInfo{Provider: "anthropic", Model: "claude-3-5-haiku-20241022", ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsStreaming: true, SupportsVision: true, InputPerMTok: 0.8, OutputPerMTok: 4}, false},
	{provider.ModelInfo{Provider: "openai", Model: "gpt-4o", ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsStreaming: true, SupportsVision: true, InputPerMTok: 2.5, OutputPerMTok: 10}, true},
	{provider.ModelInfo{Provider: "openai", Model: "gpt-4o-mini", ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsStreaming: true, SupportsVision: true, InputPerMTok: 0.15, OutputPerMTok: 0.6}, false},
	{provider.ModelInfo{Provider: "openai", Model: "o3", ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsStreaming: true, SupportsReasoning: true, InputPerMTok: 2, OutputPerMTok: 8}, false},
	{provider.ModelInfo{Provider: "deepseek", Model: "deepseek-chat", ContextWindow: 64_000, MaxOutputTokens: 8_192, SupportsStreaming: true, InputPerMTok: 0.27, OutputPerMTok: 1.1}, true},
	{provider.ModelInfo{Provider: "deepseek", Model: "deepseek-reasoner", ContextWindow: 64_000, MaxOutputTokens: 65_536, SupportsStreaming: true, SupportsReasoning: true, InputPerMTok: 0.55, OutputPerMTok: 2.19}, false},
	{provider.ModelInfo{Provider: "groq", Model: "llama-3.3-70b-versatile", ContextWindow: 128_000, MaxOutputTokens: 32_768, SupportsStreaming: true, InputPerMTok: 0.59, OutputPerMTok: 0.79}, true},
	{provider.ModelInfo{Provider: "xai", Model: "grok-3", ContextWindow: 131_072, MaxOutputTokens: 16_384, SupportsStreaming: true, InputPerMTok: 3, OutputPerMTok: 15}, true},
	{provider.ModelInfo{Provider: "gemini", Model: "gemini-2.5-flash", ContextWindow: 1_048_576, MaxOutputTokens: 65_536, SupportsStreaming: true, SupportsVision: true, SupportsReasoning: true, InputPerMTok: 0.3, OutputPerMTok: 2.5}, true},
	{provider.ModelInfo{Provider: "openrouter", Model: "anthropic/claude-sonnet-4", ContextWindow: 200_000, MaxOutputTokens: 64_000, SupportsStreaming: true, SupportsVision: true, SupportsReasoning: true, InputPerMTok: 3, OutputPerMTok: 15}, true},
}

// Options tunes registry construction; the zero value reads everything
// from the real process environment.
type Options struct {
	// Getenv overrides os.Getenv, for tests.
	Getenv func(string) string

	// UserProviders registers custom OpenAI-compatible endpoints from the
	// user config's [[providers]] entries.
	UserProviders []config.ProviderConfig
}

// Build returns a Registry with a factory per configured backend. A
// backend whose API key env var is unset is simply not registered;
// resolving a model against it then fails with a clear "unknown provider"
// error rather than a late HTTP 401.
func Build(opts Options) *provider.Registry {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	reg := provider.NewRegistry()
	hasDefault := make(map[string]bool)
	for _, km := range knownModels {
		reg.RegisterModel(km.info, km.isDefault)
		if km.isDefault {
			hasDefault[km.info.Provider] = true
		}
	}

	if key := getenv("ANTHROPIC_API_KEY"); key != "" {
		reg.RegisterFactory("anthropic", anthropicFactory(key, getenv, reg))
	}

	for _, ep := range openAIEndpoints {
		ep := ep
		key := getenv(ep.keyEnv)
		if key == "" {
			continue
		}
		baseURL := ep.baseURL
		apiKey := key
		if ep.name == "local" {
			// OPENAI_BASE_URL names the endpoint, not a key; local
			// gateways rarely check one.
			baseURL = key
			apiKey = "local"
		}
		reg.RegisterFactory(ep.name, openAIFactory(ep.name, apiKey, baseURL, getenv, reg))
		if !hasDefault[ep.name] && ep.defaultModel != "" {
			reg.RegisterModel(provider.ModelInfo{Provider: ep.name, Model: ep.defaultModel, SupportsStreaming: true}, true)
		}
	}

	if endpoint := getenv("AZURE_OPENAI_ENDPOINT"); endpoint != "" {
		if key := getenv("AZURE_OPENAI_API_KEY"); key != "" {
			reg.RegisterFactory("azure", openAIFactory("azure", key, endpoint, getenv, reg))
		}
	}

	if proxy := getenv("LLM_PROXY_URL"); proxy != "" {
		key := getenv("LLM_PROXY_API_KEY")
		if key == "" {
			key = "proxy"
		}
		reg.RegisterFactory("proxy", openAIFactory("proxy", key, proxy, getenv, reg))
	}

	for _, pc := range opts.UserProviders {
		pc := pc
		key := pc.ResolveAPIKey()
		if key == "" || pc.Name == "" {
			continue
		}
		reg.RegisterFactory(pc.Name, openAIFactory(pc.Name, key, pc.BaseURL, getenv, reg))
		if pc.DefaultModel != "" {
			reg.RegisterModel(provider.ModelInfo{Provider: pc.Name, Model: pc.DefaultModel, SupportsStreaming: true}, true)
		}
	}

	return reg
}

func anthropicFactory(apiKey string, getenv func(string) string, reg *provider.Registry) provider.Factory {
	return func(model string) (provider.Provider, error) {
		cfg := anthropic.Config{
			Model:            model,
			APIKey:           apiKey,
			MaxTokens:        defaultMaxTokens,
			CacheBreakpoints: 4,
			Timeout:          apiTimeout(getenv),
		}
		if info, ok := reg.ModelInfo("anthropic/" + model); ok {
			if info.MaxOutputTokens > 0 {
				cfg.MaxTokens = info.MaxOutputTokens
			}
			if info.SupportsReasoning && reasoningEnabled(getenv) {
				cfg.ThinkingBudget = reasoningBudget(getenv)
			}
		}
		p, err := anthropic.New(cfg)
		if err != nil {
			return nil, err
		}
		return provider.WithRetry(p), nil
	}
}

func openAIFactory(name, apiKey, baseURL string, getenv func(string) string, reg *provider.Registry) provider.Factory {
	return func(model string) (provider.Provider, error) {
		cfg := openaifamily.Config{
			Name:    name,
			Model:   model,
			APIKey:  apiKey,
			BaseURL: baseURL,
			Timeout: apiTimeout(getenv),
		}
		if info, ok := reg.ModelInfo(name + "/" + model); ok {
			cfg.MaxTokens = info.MaxOutputTokens
			cfg.IsReasoning = info.SupportsReasoning
		} else {
			cfg.IsReasoning = looksLikeReasoningModel(model)
		}
		p, err := openaifamily.New(cfg)
		if err != nil {
			return nil, err
		}
		return provider.WithRetry(p), nil
	}
}

// looksLikeReasoningModel covers models a custom endpoint serves without
// catalog metadata: the o-series, gpt-5, and the reasoning-tuned
// open-weight families.
func looksLikeReasoningModel(model string) bool {
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5", "deepseek-reasoner", "kimi", "magistral"} {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func reasoningEnabled(getenv func(string) string) bool {
	return getenv("GPTME_REASONING") != "0"
}

func reasoningBudget(getenv func(string) string) int {
	if v := getenv("GPTME_REASONING_BUDGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultThinkingBudget
}

// apiTimeout reads LLM_API_TIMEOUT (seconds); zero means no timeout.
func apiTimeout(getenv func(string) string) time.Duration {
	if v := getenv("LLM_API_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// PriceFamily maps a provider name to the cache-pricing formula its family
// uses, for the cost tracker.
func PriceFamily(providerName string) cost.Family {
	if providerName == "anthropic" {
		return cost.FamilyAnthropic
	}
	return cost.FamilyOpenAI
}
