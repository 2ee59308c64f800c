package dispatch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connyay/starlark-mcp/internal/capability"
	"github.com/connyay/starlark-mcp/internal/registry"
	"github.com/connyay/starlark-mcp/internal/script"
)

func setup(t *testing.T, sources map[string]string) (*Dispatcher, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	caps := capability.NewSet(0)
	t.Cleanup(caps.Close)

	host := script.NewHost(caps, dir, false)
	reg := registry.New()

	for name, source := range sources {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
		desc, mod, err := host.Load(context.Background(), path)
		require.NoError(t, err, "loading %s", name)
		require.NoError(t, reg.Install(&registry.LoadedExtension{Descriptor: desc, Module: mod, Path: path}))
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(reg, dir, logger), reg, dir
}

const echoExtension = `
def echo_handler(params):
    return {
        "content": [{"type": "text", "text": params.get("message", "Hello from test extension!")}],
    }

def describe_extension():
    return Extension(
        name = "echo",
        version = "1.0.0",
        description = "Echo extension",
        tools = [
            Tool(
                name = "echo",
                description = "Echo a message",
                parameters = [
                    ToolParameter(name = "message", type = "string", required = False,
                        description = "Message to echo"),
                ],
                handler = echo_handler,
            ),
        ],
    )
`

func TestDispatch_Basic(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"echo.star": echoExtension})

	result, err := d.Dispatch(context.Background(), "echo", map[string]any{"message": "hi"}, "r1")
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, Content{Type: "text", Text: "hi"}, result.Content[0])
	assert.False(t, result.IsError)
}

func TestDispatch_HandlerDefault(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"echo.star": echoExtension})

	result, err := d.Dispatch(context.Background(), "echo", map[string]any{}, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Hello from test extension!", result.Content[0].Text)
}

func TestDispatch_ToolNotFound(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"echo.star": echoExtension})

	_, err := d.Dispatch(context.Background(), "nope", nil, "r1")
	assert.ErrorIs(t, err, registry.ErrToolNotFound)
}

func TestDispatch_RequiredParameterMissing(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"strict.star": `
def h(params):
    return {"content": [{"type": "text", "text": params["name"]}]}

def describe_extension():
    return Extension(name = "strict", version = "1", description = "d",
        tools = [Tool(name = "strict_tool", description = "d", handler = h,
            parameters = [ToolParameter(name = "name", type = "string", required = True)])])
`})

	result, err := d.Dispatch(context.Background(), "strict_tool", map[string]any{}, "r1")
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "missing required parameter")
}

func TestDispatch_TypeChecking(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"typed.star": `
def h(params):
    return {"content": [{"type": "text", "text": str(params)}]}

def describe_extension():
    return Extension(name = "typed", version = "1", description = "d",
        tools = [Tool(name = "typed_tool", description = "d", handler = h,
            parameters = [
                ToolParameter(name = "count", type = "integer", required = False),
                ToolParameter(name = "ratio", type = "number", required = False),
                ToolParameter(name = "flag", type = "boolean", required = False),
                ToolParameter(name = "tags", type = "array", required = False),
                ToolParameter(name = "meta", type = "object", required = False),
            ])])
`})

	ctx := context.Background()

	t.Run("boolean is not an integer", func(t *testing.T) {
		result, err := d.Dispatch(ctx, "typed_tool", map[string]any{"count": true}, "r")
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("fractional is not an integer", func(t *testing.T) {
		result, err := d.Dispatch(ctx, "typed_tool", map[string]any{"count": 1.5}, "r")
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})

	t.Run("integer widens to number", func(t *testing.T) {
		result, err := d.Dispatch(ctx, "typed_tool", map[string]any{"ratio": float64(3)}, "r")
		require.NoError(t, err)
		assert.False(t, result.IsError)
	})

	t.Run("array and object pass through", func(t *testing.T) {
		result, err := d.Dispatch(ctx, "typed_tool", map[string]any{
			"tags": []any{"a"},
			"meta": map[string]any{"k": "v"},
		}, "r")
		require.NoError(t, err)
		assert.False(t, result.IsError)
	})

	t.Run("string rejected for boolean", func(t *testing.T) {
		result, err := d.Dispatch(ctx, "typed_tool", map[string]any{"flag": "true"}, "r")
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestDispatch_DefaultSubstitution(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"defaults.star": `
def h(params):
    return {"content": [{"type": "text", "text": str(params["limit"]) + " " + params["label"]}]}

def describe_extension():
    return Extension(name = "defaults", version = "1", description = "d",
        tools = [Tool(name = "defaults_tool", description = "d", handler = h,
            parameters = [
                ToolParameter(name = "limit", type = "integer", required = False, default = "10"),
                ToolParameter(name = "label", type = "string", required = False, default = "items"),
            ])])
`})

	result, err := d.Dispatch(context.Background(), "defaults_tool", map[string]any{}, "r")
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "10 items", result.Content[0].Text)
}

func TestDispatch_UnknownArgumentsDropped(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"echo.star": echoExtension})

	result, err := d.Dispatch(context.Background(), "echo",
		map[string]any{"message": "hi", "extra": 99}, "r")
	require.NoError(t, err)
	assert.Equal(t, "hi", result.Content[0].Text)
}

func TestDispatch_ErrorResultPassesThrough(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"failing.star": `
def h(params):
    return {"content": [{"type": "text", "text": "Error: x"}], "isError": True}

def describe_extension():
    return Extension(name = "failing", version = "1", description = "d",
        tools = [Tool(name = "failing_tool", description = "d", handler = h)])
`})

	result, err := d.Dispatch(context.Background(), "failing_tool", nil, "r")
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Equal(t, "Error: x", result.Content[0].Text)
}

func TestDispatch_HandlerErrorBecomesErrorResult(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"crashy.star": `
def h(params):
    fail("deliberate failure")

def describe_extension():
    return Extension(name = "crashy", version = "1", description = "d",
        tools = [Tool(name = "crashy_tool", description = "d", handler = h)])
`})

	result, err := d.Dispatch(context.Background(), "crashy_tool", nil, "r")
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "deliberate failure")
	assert.Contains(t, result.Content[0].Text, "Error: ")
}

func TestDispatch_ExecDenialSurfacesAsErrorResult(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"lister.star": `
def h(params):
    out = exec.run("rm", ["-rf", "somewhere"])
    return {"content": [{"type": "text", "text": out["stdout"]}]}

def describe_extension():
    return Extension(name = "lister", version = "1", description = "d",
        tools = [Tool(name = "lister_tool", description = "d", handler = h)],
        allowed_exec = ["ls"])
`})

	result, err := d.Dispatch(context.Background(), "lister_tool", nil, "r")
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "not in the allowed exec whitelist")
}

func TestDispatch_MalformedShapeWrapped(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"odd.star": `
def h(params):
    return "just a string"

def describe_extension():
    return Extension(name = "odd", version = "1", description = "d",
        tools = [Tool(name = "odd_tool", description = "d", handler = h)])
`})

	result, err := d.Dispatch(context.Background(), "odd_tool", nil, "r")
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, Content{Type: "text", Text: "just a string"}, result.Content[0])
	assert.False(t, result.IsError)
}

func TestDispatch_StructuredContent(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"structured.star": `
def h(params):
    return {
        "content": [{"type": "text", "text": "ok"}],
        "structuredContent": {"count": 3},
    }

def describe_extension():
    return Extension(name = "structured", version = "1", description = "d",
        tools = [Tool(name = "structured_tool", description = "d", handler = h)])
`})

	result, err := d.Dispatch(context.Background(), "structured_tool", nil, "r")
	require.NoError(t, err)
	sc, ok := result.StructuredContent.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(3), sc["count"])
}

func TestDispatch_ConcurrentCallsIsolated(t *testing.T) {
	d, _, _ := setup(t, map[string]string{"echo.star": echoExtension})

	const calls = 32
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			msg := "msg-" + strconv.Itoa(n)
			result, err := d.Dispatch(context.Background(), "echo", map[string]any{"message": msg}, "r")
			if err != nil {
				errs <- err
				return
			}
			if result.Content[0].Text != msg {
				errs <- assert.AnError
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent dispatch failed: %v", err)
	}
}

func TestDispatch_InFlightCallSurvivesReplace(t *testing.T) {
	d, reg, dir := setup(t, map[string]string{"echo.star": echoExtension})

	// Capture the v1 reference the way a dispatch would, then replace the
	// registry entry before invoking the handler.
	ext, tool, err := reg.Lookup("echo")
	require.NoError(t, err)

	caps := capability.NewSet(0)
	t.Cleanup(caps.Close)
	host := script.NewHost(caps, dir, false)
	path := filepath.Join(dir, "echo.star")
	v2 := `
def other_handler(params):
    return {"content": [{"type": "text", "text": "v2"}]}

def describe_extension():
    return Extension(name = "echo", version = "2.0.0", description = "d",
        tools = [Tool(name = "echo_v2", description = "d", handler = other_handler)])
`
	require.NoError(t, os.WriteFile(path, []byte(v2), 0o644))
	desc, mod, err := host.Load(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, reg.Install(&registry.LoadedExtension{Descriptor: desc, Module: mod, Path: path}))

	// The old tool name no longer dispatches...
	_, err = d.Dispatch(context.Background(), "echo", map[string]any{"message": "hi"}, "r")
	assert.ErrorIs(t, err, registry.ErrToolNotFound)

	// ...but the captured v1 reference still resolves its handler.
	fn, err := ext.Module.Resolve(tool.Handler)
	require.NoError(t, err)
	assert.NotNil(t, fn)
	assert.Equal(t, "1.0.0", ext.Descriptor.Version)
}
