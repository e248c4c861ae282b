// Package mcp connects to Model Context Protocol servers (a stdio
// subprocess, or a remote URL over HTTP/SSE) and registers their tools into a tooluse.Registry as native-format tools, so
// the step engine's detect/confirm/execute loop never has to know a given
// ToolUse originated from an MCP server rather than a builtin.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loopcore/loopcore/pkg/message"
	"github.com/loopcore/loopcore/pkg/tooluse"
)

// ServerConfig describes one configured MCP server: a subprocess spoken to
// over stdio (Command set) or a remote server over HTTP/SSE (URL set).
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Filter  []string          `yaml:"filter,omitempty"` // if non-empty, only these tool names are registered
}

// Server wraps a live connection to one MCP server and the specs it has
// registered, so Close can unregister them cleanly on shutdown.
type Server struct {
	cfg    ServerConfig
	client *mcpclient.Client

	mu    sync.Mutex
	names []string
}

// Connect dials cfg (stdio subprocess or remote URL), performs the MCP
// initialize handshake, lists the server's tools, and registers each
// (minus any cfg.Filter exclusion) into reg under its own name with IsMCP
// set.
func Connect(ctx context.Context, cfg ServerConfig, reg *tooluse.Registry) (*Server, error) {
	var c *mcpclient.Client
	var err error
	switch {
	case cfg.Command != "":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		c, err = mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case cfg.URL != "":
		c, err = mcpclient.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
	default:
		return nil, fmt.Errorf("mcp: server %s has neither command nor url", cfg.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: create client for %s: %w", cfg.Name, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", cfg.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "loopcore", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp: initialize %s: %w", cfg.Name, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp: list tools for %s: %w", cfg.Name, err)
	}

	var filter map[string]bool
	if len(cfg.Filter) > 0 {
		filter = make(map[string]bool, len(cfg.Filter))
		for _, n := range cfg.Filter {
			filter[n] = true
		}
	}

	s := &Server{cfg: cfg, client: c}

	for _, t := range listResp.Tools {
		if filter != nil && !filter[t.Name] {
			continue
		}
		spec := tooluse.Spec{
			Name:        t.Name,
			Description: t.Description,
			IsMCP:       true,
			Executor:    s.executor(t.Name),
		}
		if err := reg.Register(spec); err != nil {
			c.Close()
			return nil, fmt.Errorf("mcp: register %s: %w", t.Name, err)
		}
		s.names = append(s.names, t.Name)
	}

	slog.Info("connected to MCP server", "name", cfg.Name, "command", cfg.Command, "tools", len(s.names))
	return s, nil
}

// executor adapts one MCP tool into a tooluse.Executor: the ToolUse's
// JSON args become the call's JSON-RPC arguments, and the response's text
// content becomes the yielded tool message.
func (s *Server) executor(name string) tooluse.Executor {
	return func(ctx context.Context, use tooluse.ToolUse, log tooluse.Log, workspace string) iter.Seq2[message.Message, error] {
		return func(yield func(message.Message, error) bool) {
			// Native-format uses carry the raw JSON args in Content;
			// decoding that preserves value types. XML uses fall back to
			// the stringified NamedArgs.
			var args map[string]any
			if err := json.Unmarshal([]byte(use.Content), &args); err != nil || args == nil {
				args = make(map[string]any, len(use.NamedArgs))
				for k, v := range use.NamedArgs {
					args[k] = v
				}
			}

			req := mcp.CallToolRequest{}
			req.Params.Name = name
			req.Params.Arguments = args

			resp, err := s.client.CallTool(ctx, req)
			if err != nil {
				yield(message.Message{}, fmt.Errorf("mcp: call %s: %w", name, err))
				return
			}

			var text string
			for _, c := range resp.Content {
				if tc, ok := c.(mcp.TextContent); ok {
					if text != "" {
						text += "\n"
					}
					text += tc.Text
				}
			}
			if resp.IsError {
				yield(message.Message{}, fmt.Errorf("mcp: %s reported an error: %s", name, text))
				return
			}

			yield(message.New(message.RoleTool, text, time.Now), nil)
		}
	}
}

// Close closes the client (ending a stdio subprocess) and unregisters its
// tools.
func (s *Server) Close(reg *tooluse.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range s.names {
		reg.Unregister(name)
	}
	s.names = nil
	return s.client.Close()
}
