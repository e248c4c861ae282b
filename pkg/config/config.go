// Package config loads and persists the three-tier TOML configuration this
// system reads at startup: the per-conversation chat config stored beside
// its log, the per-workspace project config, and the per-user config —
// each a thin typed wrapper over github.com/BurntSushi/toml so callers get
// struct field access instead of manual map[string]any plumbing.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	chatConfigFile = "config.toml"

	// ProjectConfigFile is the file name a project config is looked up
	// under, either at the workspace root or under .github/.
	ProjectConfigFile = "gptme.toml"
)

// MCPServer describes one Model Context Protocol server, reachable either
// over stdio (Command/Args/Env set) or HTTP (URL/Headers set).
type MCPServer struct {
	Name    string            `toml:"name"`
	Enabled bool              `toml:"enabled"`
	Command string            `toml:"command,omitempty"`
	Args    []string          `toml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`
	URL     string            `toml:"url,omitempty"`
	Headers map[string]string `toml:"headers,omitempty"`
}

// MCPConfig is the shared `[mcp]` table shape across all three config tiers.
type MCPConfig struct {
	Servers []MCPServer `toml:"servers,omitempty"`
}

// ChatConfig is `config.toml` beside a conversation log: the `[chat]`
// table plus the top-level `[env]`/`[mcp]` tables.
type ChatConfig struct {
	Chat ChatSection       `toml:"chat"`
	Env  map[string]string `toml:"env,omitempty"`
	MCP  MCPConfig         `toml:"mcp,omitempty"`
}

// ChatSection is the `[chat]` table of a conversation's config.toml.
type ChatSection struct {
	// Name is the conversation's display name; empty until auto-naming (or
	// the user) assigns one.
	Name string `toml:"name,omitempty"`

	// RenamedByUser records that the user picked Name explicitly, which
	// suppresses auto-naming even if Name is later cleared.
	RenamedByUser bool `toml:"renamed_by_user,omitempty"`

	// Model is a "provider/model" string, e.g. "anthropic/claude-sonnet-4".
	Model string `toml:"model"`

	// Tools lists the enabled tool names for this conversation.
	Tools []string `toml:"tools,omitempty"`

	// ToolFormat pins exactly one of markdown/xml/tool for the lifetime of
	// the conversation (changing it mid-conversation would
	// leave earlier messages unparseable under the new format).
	ToolFormat string `toml:"tool_format,omitempty"`

	Stream      bool   `toml:"stream"`
	Interactive bool   `toml:"interactive"`
	Workspace   string `toml:"workspace,omitempty"`
}

// DefaultChatConfig returns the conventional defaults a newly created
// conversation starts with absent an explicit override.
func DefaultChatConfig(model string) ChatConfig {
	return ChatConfig{
		Chat: ChatSection{
			Model:       model,
			ToolFormat:  "markdown",
			Stream:      true,
			Interactive: true,
		},
	}
}

// LoadChatConfig reads config.toml from logDir, or returns a default config
// built from model if the file does not exist yet (a freshly created
// conversation).
func LoadChatConfig(logDir, defaultModel string) (ChatConfig, error) {
	path := filepath.Join(logDir, chatConfigFile)
	var cfg ChatConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return DefaultChatConfig(defaultModel), nil
		}
		return ChatConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// SaveChatConfig writes cfg to config.toml under logDir, overwriting any
// existing file via write-then-rename for crash safety, matching the log
// store's own persistence convention.
func SaveChatConfig(logDir string, cfg ChatConfig) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("config: create log dir: %w", err)
	}
	path := filepath.Join(logDir, chatConfigFile)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("config: create temp config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// RAGConfig configures retrieval-augmented context injection for a project.
type RAGConfig struct {
	Enabled   bool     `toml:"enabled"`
	Paths     []string `toml:"paths,omitempty"`
	MaxChunks int      `toml:"max_chunks,omitempty"`
}

// AgentConfig names a persona under `[agent.<name>]` in a project config.
type AgentConfig struct {
	Prompt string `toml:"prompt,omitempty"`
}

// ProjectConfig is `gptme.toml`, discovered at a workspace root or under
// `.github/`, supplying prompt context specific to that workspace.
type ProjectConfig struct {
	BasePrompt string               `toml:"base_prompt,omitempty"`
	Prompt     string               `toml:"prompt,omitempty"`
	Files      []string             `toml:"files,omitempty"`
	ContextCmd string               `toml:"context_cmd,omitempty"`
	RAG        RAGConfig            `toml:"rag,omitempty"`
	Env        map[string]string    `toml:"env,omitempty"`
	MCP        MCPConfig            `toml:"mcp,omitempty"`
	Agent      map[string]AgentConfig `toml:"agent,omitempty"`
}

// FindProjectConfig looks for gptme.toml directly under workspaceRoot, then
// under .github/, returning (config, true) for whichever is found first,
// or (zero value, false) if neither exists.
func FindProjectConfig(workspaceRoot string) (ProjectConfig, bool, error) {
	candidates := []string{
		filepath.Join(workspaceRoot, ProjectConfigFile),
		filepath.Join(workspaceRoot, ".github", ProjectConfigFile),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		var cfg ProjectConfig
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return ProjectConfig{}, false, fmt.Errorf("config: decode %s: %w", path, err)
		}
		return cfg, true, nil
	}
	return ProjectConfig{}, false, nil
}

// PromptConfig is the `[prompt]` table of a user config: cross-project
// preferences plus a per-project-name prompt override map.
type PromptConfig struct {
	AboutUser         string            `toml:"about_user,omitempty"`
	ResponsePreference string           `toml:"response_preference,omitempty"`
	Project           map[string]string `toml:"project,omitempty"`
}

// ProviderConfig registers a custom OpenAI-compatible endpoint under
// `[[providers]]` in the user config.
type ProviderConfig struct {
	Name         string `toml:"name"`
	BaseURL      string `toml:"base_url"`
	APIKey       string `toml:"api_key,omitempty"`
	APIKeyEnv    string `toml:"api_key_env,omitempty"`
	DefaultModel string `toml:"default_model,omitempty"`
}

// UserConfig is `~/.config/gptme/config.toml`: cross-workspace preferences
// and custom provider registrations.
type UserConfig struct {
	Prompt    PromptConfig      `toml:"prompt,omitempty"`
	Env       map[string]string `toml:"env,omitempty"`
	MCP       MCPConfig         `toml:"mcp,omitempty"`
	Providers []ProviderConfig  `toml:"providers,omitempty"`
}

// UserConfigPath returns the conventional path for the user config,
// honoring XDG_CONFIG_HOME if set.
func UserConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "gptme", "config.toml")
}

// LoadUserConfig reads the user config, returning an empty UserConfig
// (not an error) if the file doesn't exist yet.
func LoadUserConfig() (UserConfig, error) {
	path := UserConfigPath()
	var cfg UserConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if os.IsNotExist(err) {
			return UserConfig{}, nil
		}
		return UserConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveAPIKey returns p's API key, reading its env-var indirection
// (APIKeyEnv) if the literal key field is empty.
func (p ProviderConfig) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}
