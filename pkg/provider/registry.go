package provider

import (
	"fmt"
	"strings"
)

// ModelInfo holds the metadata the cost tracker and the step engine (for
// context-window trimming) need about one model.
type ModelInfo struct {
	Provider          string
	Model             string
	ContextWindow     int
	MaxOutputTokens   int
	SupportsStreaming bool
	SupportsVision    bool
	SupportsReasoning bool
	InputPerMTok      float64
	OutputPerMTok     float64
}

// Factory builds a Provider for one (provider, model) pair. The catalog
// package registers one Factory under each configured provider's name.
type Factory func(model string) (Provider, error)

// Registry resolves "provider/model" strings into live Provider instances
// and exposes the model metadata table, keyed by "provider/model"
// addressing.
type Registry struct {
	factories map[string]Factory
	models    map[string]ModelInfo // keyed by "provider/model"
	defaults  map[string]string    // provider -> recommended model
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		models:    make(map[string]ModelInfo),
		defaults:  make(map[string]string),
	}
}

// RegisterFactory associates providerName with the constructor used to
// build a Provider for any of its models.
func (r *Registry) RegisterFactory(providerName string, f Factory) {
	r.factories[providerName] = f
}

// RegisterModel records metadata for one model and, if isDefault, makes it
// the model used when a caller names only the provider.
func (r *Registry) RegisterModel(info ModelInfo, isDefault bool) {
	r.models[info.Provider+"/"+info.Model] = info
	if isDefault {
		r.defaults[info.Provider] = info.Model
	}
}

// ModelInfo looks up metadata for "provider/model".
func (r *Registry) ModelInfo(qualified string) (ModelInfo, bool) {
	provider, model := Parse(qualified)
	if model == "" {
		model = r.defaults[provider]
	}
	info, ok := r.models[provider+"/"+model]
	return info, ok
}

// Resolve builds a Provider for "provider/model", or "provider" alone to
// fall back to that provider's registered default model.
func (r *Registry) Resolve(qualified string) (Provider, error) {
	providerName, model := Parse(qualified)
	if model == "" {
		model = r.defaults[providerName]
		if model == "" {
			return nil, fmt.Errorf("provider: no default model registered for %q", providerName)
		}
	}
	f, ok := r.factories[providerName]
	if !ok {
		return nil, fmt.Errorf("provider: unknown provider %q", providerName)
	}
	return f(model)
}

// Parse splits "provider/model" into its parts. A string with no "/"
// is treated as a bare provider name with an empty model.
func Parse(qualified string) (providerName, model string) {
	if idx := strings.Index(qualified, "/"); idx >= 0 {
		return qualified[:idx], qualified[idx+1:]
	}
	return qualified, ""
}
