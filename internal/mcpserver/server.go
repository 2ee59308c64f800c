// Package mcpserver adapts the extension registry and dispatcher to the MCP
// protocol over stdio.
//
// The mark3labs/mcp-go server owns the transport session: initialize
// negotiation, tools/list, tools/call routing. This adapter keeps the
// server's tool table in sync with the registry and converts dispatch
// results to protocol results. Tool registration changes made after a
// session initializes cause the library to emit
// notifications/tools/list_changed, which is how reloads become visible to
// clients.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/connyay/starlark-mcp/internal/config"
	"github.com/connyay/starlark-mcp/internal/dispatch"
	"github.com/connyay/starlark-mcp/internal/loader"
	"github.com/connyay/starlark-mcp/internal/registry"
	"github.com/connyay/starlark-mcp/internal/script"
	"github.com/connyay/starlark-mcp/internal/version"
)

// Name is the server name advertised during initialize.
const Name = "starlark-mcp"

// Server wires the registry, dispatcher, and loader to an MCP stdio session.
type Server struct {
	reg        *registry.Registry
	dispatcher *dispatch.Dispatcher
	ld         *loader.Loader
	cfg        *config.Config
	logger     *slog.Logger

	mcp *server.MCPServer

	mu         sync.Mutex
	registered map[string]string // tool name -> fingerprint of what was registered

	nextRequest atomic.Int64
}

// New builds the MCP server around an already-populated registry.
func New(reg *registry.Registry, dispatcher *dispatch.Dispatcher, ld *loader.Loader, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		reg:        reg,
		dispatcher: dispatcher,
		ld:         ld,
		cfg:        cfg,
		logger:     logger,
		registered: make(map[string]string),
	}
	s.mcp = server.NewMCPServer(
		Name,
		version.Short(),
		server.WithToolCapabilities(true),
	)
	return s
}

// Run serves the stdio session until the transport closes or ctx is
// cancelled. The watcher and the change-notification pump run alongside the
// session and stop with it.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.syncTools()

	go func() {
		if err := s.ld.Watch(ctx); err != nil {
			s.logger.Warn("file watcher unavailable, hot reload disabled", "error", err)
		}
	}()
	go s.pumpChanges(ctx)

	s.logger.Info("starlark-mcp server ready",
		"version", version.Short(),
		"transport", "stdio",
		"protocol_versions", s.cfg.ProtocolVersions,
		"tools", len(s.reg.ToolNames()))

	stdio := server.NewStdioServer(s.mcp)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)

	// The transport is gone; give in-flight dispatches a bounded window to
	// finish before the process exits.
	if !s.dispatcher.Drain(s.cfg.ShutdownTimeout()) {
		s.logger.Warn("shutdown timeout reached with dispatches still in flight")
	}

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("stdio transport: %w", err)
	}
	return nil
}

// pumpChanges re-syncs the tool table whenever the loader signals a
// registry update.
func (s *Server) pumpChanges(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ld.Changed():
			s.syncTools()
		}
	}
}

// syncTools reconciles the MCP server's tool table with the registry
// snapshot. Adding or deleting tools on an initialized session makes the
// library notify the client.
func (s *Server) syncTools() {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[string]string)
	for _, ext := range s.reg.Snapshot() {
		for i := range ext.Descriptor.Tools {
			tool := &ext.Descriptor.Tools[i]
			schema := inputSchema(tool)
			desired[tool.Name] = tool.Description + "\x00" + string(schema)

			if s.registered[tool.Name] == desired[tool.Name] {
				continue
			}
			s.mcp.AddTool(
				mcp.NewToolWithRawSchema(tool.Name, tool.Description, schema),
				s.handlerFor(tool.Name),
			)
			s.logger.Debug("registered tool", "tool", tool.Name, "extension", ext.Descriptor.Name)
		}
	}

	var stale []string
	for name := range s.registered {
		if _, ok := desired[name]; !ok {
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		s.mcp.DeleteTools(stale...)
		s.logger.Debug("removed tools", "tools", stale)
	}
	s.registered = desired
}

// handlerFor returns the tools/call handler for one tool name. Dispatch
// failures that are protocol-level (unknown tool) surface as Go errors;
// script-level failures are already shaped into the result.
func (s *Server) handlerFor(toolName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, _ := req.Params.Arguments.(map[string]any)
		requestID := strconv.FormatInt(s.nextRequest.Add(1), 10)

		result, err := s.dispatcher.Dispatch(ctx, toolName, args, requestID)
		if err != nil {
			return nil, err
		}
		return toCallToolResult(result), nil
	}
}

func toCallToolResult(r *dispatch.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{IsError: r.IsError}
	for _, c := range r.Content {
		out.Content = append(out.Content, mcp.TextContent{Type: c.Type, Text: c.Text})
	}
	if r.StructuredContent != nil {
		out.StructuredContent = r.StructuredContent
	}
	return out
}

// inputSchema renders a tool's parameters as the JSON-schema object
// advertised in tools/list.
func inputSchema(tool *script.Tool) json.RawMessage {
	properties := make(map[string]any, len(tool.Parameters))
	required := make([]string, 0)

	for _, p := range tool.Parameters {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.HasDefault {
			prop["default"] = defaultJSON(p)
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
	data, err := json.Marshal(schema)
	if err != nil {
		// Parameters are validated strings and bools; marshalling them
		// cannot fail in practice.
		return json.RawMessage(`{"type":"object","properties":{},"required":[]}`)
	}
	return data
}

// defaultJSON types a string-encoded default for the schema.
func defaultJSON(p script.Parameter) any {
	switch p.Type {
	case "integer":
		if i, err := strconv.ParseInt(p.Default, 10, 64); err == nil {
			return i
		}
	case "number":
		if f, err := strconv.ParseFloat(p.Default, 64); err == nil {
			return f
		}
	case "boolean":
		if b, err := strconv.ParseBool(p.Default); err == nil {
			return b
		}
	}
	return p.Default
}
