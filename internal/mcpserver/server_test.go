package mcpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connyay/starlark-mcp/internal/config"
	"github.com/connyay/starlark-mcp/internal/dispatch"
	"github.com/connyay/starlark-mcp/internal/loader"
	"github.com/connyay/starlark-mcp/internal/registry"
	"github.com/connyay/starlark-mcp/internal/script"
)

func TestInputSchema(t *testing.T) {
	tool := &script.Tool{
		Name:        "lookup",
		Description: "Look something up",
		Parameters: []script.Parameter{
			{Name: "query", Type: "string", Required: true, Description: "Search query"},
			{Name: "limit", Type: "integer", HasDefault: true, Default: "10"},
			{Name: "exact", Type: "boolean", HasDefault: true, Default: "false"},
			{Name: "filters", Type: "array"},
		},
	}

	var schema struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	require.NoError(t, json.Unmarshal(inputSchema(tool), &schema))

	assert.Equal(t, "object", schema.Type)
	assert.Equal(t, []string{"query"}, schema.Required)

	assert.Equal(t, "string", schema.Properties["query"]["type"])
	assert.Equal(t, "Search query", schema.Properties["query"]["description"])

	assert.Equal(t, "integer", schema.Properties["limit"]["type"])
	assert.Equal(t, float64(10), schema.Properties["limit"]["default"])

	assert.Equal(t, false, schema.Properties["exact"]["default"])
	assert.Equal(t, "array", schema.Properties["filters"]["type"])

	_, hasDefault := schema.Properties["query"]["default"]
	assert.False(t, hasDefault, "parameters without a default must not advertise one")
}

func TestInputSchema_NoParameters(t *testing.T) {
	tool := &script.Tool{Name: "ping", Description: "ping"}

	var schema map[string]any
	require.NoError(t, json.Unmarshal(inputSchema(tool), &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Empty(t, schema["properties"])
	assert.Empty(t, schema["required"])
}

func TestToCallToolResult(t *testing.T) {
	r := &dispatch.Result{
		Content: []dispatch.Content{{Type: "text", Text: "hello"}},
		IsError: true,
		StructuredContent: map[string]any{
			"n": int64(1),
		},
	}

	out := toCallToolResult(r)
	require.Len(t, out.Content, 1)
	assert.True(t, out.IsError)
	assert.NotNil(t, out.StructuredContent)
}

func newServer(t *testing.T, reg *registry.Registry) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ld := loader.New(t.TempDir(), loader.ModeServer, nil, reg, logger)
	dispatcher := dispatch.New(reg, "", logger)
	cfg, err := config.LoadFrom("/nonexistent/starlark-mcp.yaml")
	require.NoError(t, err)
	return New(reg, dispatcher, ld, cfg, logger)
}

func installed(name string, tools ...string) *registry.LoadedExtension {
	desc := &script.Descriptor{Name: name, Version: "1.0.0"}
	for _, tn := range tools {
		desc.Tools = append(desc.Tools, script.Tool{Name: tn, Description: "d", Handler: tn})
	}
	return &registry.LoadedExtension{Descriptor: desc}
}

func TestSyncTools_TracksRegistry(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Install(installed("alpha", "t1", "t2")))

	s := newServer(t, reg)
	s.syncTools()
	assert.Len(t, s.registered, 2)
	assert.Contains(t, s.registered, "t1")
	assert.Contains(t, s.registered, "t2")

	// Replacing the extension swaps the advertised tool set.
	require.NoError(t, reg.Install(installed("alpha", "t3")))
	s.syncTools()
	assert.Len(t, s.registered, 1)
	assert.Contains(t, s.registered, "t3")

	// Removing it empties the table.
	reg.Remove("alpha")
	s.syncTools()
	assert.Empty(t, s.registered)
}
