// Package mcpserver binds internal/registry.Dispatcher onto the official
// Model Context Protocol SDK, per spec.md §6's external interface and A6.
// It is the only package in this module that imports
// github.com/modelcontextprotocol/go-sdk/mcp — every other package stays
// transport-agnostic so it can be tested without a protocol harness.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/vcon-mcp/internal/registry"
)

// Config names the server identity reported during MCP initialize.
type Config struct {
	Name    string
	Version string
}

func DefaultConfig() Config {
	return Config{Name: "vcon-mcp", Version: "0.1.0"}
}

// Server wraps the Dispatcher with the MCP SDK's tool/resource/prompt
// registries and stdio transport loop.
type Server struct {
	mcp        *mcp.Server
	dispatcher *registry.Dispatcher
}

// New constructs a Server, registering every tool, resource, and prompt
// named in spec.md §6/§4.9 against dispatcher.
func New(cfg Config, dispatcher *registry.Dispatcher) (*Server, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("mcpserver: dispatcher is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		dispatcher: dispatcher,
	}

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s, nil
}

// Run blocks serving MCP requests over stdio until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	logi.Ctx(ctx).Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("mcp server run: %w", err)
	}
	return nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}
