package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loopcore/loopcore/pkg/config"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// serversFile is the YAML shape of a standalone MCP server-definitions
// file: a top-level `servers:` list.
type serversFile struct {
	Servers []ServerConfig `yaml:"servers"`
}

// LoadServersFile reads a YAML file of MCP server definitions.
func LoadServersFile(path string) ([]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read servers file: %w", err)
	}
	var f serversFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("mcp: parse %s: %w", path, err)
	}
	return f.Servers, nil
}

// FromChatConfig converts the TOML-config [mcp].servers entries into
// ServerConfigs, skipping disabled ones.
func FromChatConfig(servers []config.MCPServer) []ServerConfig {
	out := make([]ServerConfig, 0, len(servers))
	for _, s := range servers {
		if !s.Enabled {
			continue
		}
		out = append(out, ServerConfig{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			URL:     s.URL,
			Headers: s.Headers,
		})
	}
	return out
}

// ConnectAll connects every server config, registering the tools of those
// that succeed. A server that fails to connect is logged and skipped — a
// broken MCP server must not take the whole process down with it.
func ConnectAll(ctx context.Context, configs []ServerConfig, reg *tooluse.Registry) []*Server {
	var out []*Server
	for _, cfg := range configs {
		s, err := Connect(ctx, cfg, reg)
		if err != nil {
			slog.Warn("mcp: skipping server", "name", cfg.Name, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out
}
