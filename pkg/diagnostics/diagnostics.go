// Package diagnostics reports which LLM providers the current environment
// can actually reach: for each supported backend, whether its API key (or
// endpoint) environment variable is set, plus a hint for configuring the
// ones that aren't.
package diagnostics

import "os"

// ProviderStatus describes one backend's readiness.
type ProviderStatus struct {
	Provider string
	EnvVar   string
	Usable   bool
	Hint     string // set only when not usable
}

// Report is the result of one diagnostics run.
type Report struct {
	Providers []ProviderStatus
}

// Usable returns the names of every provider with credentials configured.
func (r Report) Usable() []string {
	var out []string
	for _, p := range r.Providers {
		if p.Usable {
			out = append(out, p.Provider)
		}
	}
	return out
}

var providerEnvVars = []struct {
	provider string
	envVar   string
	hint     string
}{
	{"anthropic", "ANTHROPIC_API_KEY", "get a key at https://console.anthropic.com/settings/keys"},
	{"openai", "OPENAI_API_KEY", "get a key at https://platform.openai.com/api-keys"},
	{"openrouter", "OPENROUTER_API_KEY", "get a key at https://openrouter.ai/keys"},
	{"gemini", "GEMINI_API_KEY", "get a key at https://aistudio.google.com/apikey"},
	{"groq", "GROQ_API_KEY", "get a key at https://console.groq.com/keys"},
	{"xai", "XAI_API_KEY", "get a key at https://console.x.ai"},
	{"deepseek", "DEEPSEEK_API_KEY", "get a key at https://platform.deepseek.com/api_keys"},
	{"azure", "AZURE_OPENAI_API_KEY", "also requires AZURE_OPENAI_ENDPOINT"},
	{"local", "OPENAI_BASE_URL", "point it at an OpenAI-compatible server, e.g. http://localhost:11434/v1"},
}

// Run checks each provider's environment. Getenv may be nil, in which case
// os.Getenv is used.
func Run(getenv func(string) string) Report {
	if getenv == nil {
		getenv = os.Getenv
	}
	var r Report
	for _, p := range providerEnvVars {
		st := ProviderStatus{Provider: p.provider, EnvVar: p.envVar}
		if getenv(p.envVar) != "" {
			st.Usable = true
		} else {
			st.Hint = "set " + p.envVar + ": " + p.hint
		}
		r.Providers = append(r.Providers, st)
	}
	return r
}
