package script

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"

	"github.com/connyay/starlark-mcp/internal/capability"
)

const echoSource = `
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
                description = "Echoes the message back",
                parameters = [
                    ToolParameter(
                        name = "message",
                        type = "string",
                        required = False,
                        description = "Message to echo",
                    ),
                ],
                handler = echo_handler,
            ),
        ],
    )
`

func newTestHost(t *testing.T) (*Host, string) {
	t.Helper()
	dir := t.TempDir()
	caps := capability.NewSet(0)
	t.Cleanup(caps.Close)
	return NewHost(caps, dir, false), dir
}

func writeScript(t *testing.T, dir, name, source string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(source), 0o644))
	return path
}

func TestLoad_BasicExtension(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "echo.star", echoSource)

	desc, mod, err := host.Load(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "echo", desc.Name)
	assert.Equal(t, "1.0.0", desc.Version)
	assert.Equal(t, "Echo extension", desc.Description)
	assert.Empty(t, desc.AllowedExec)
	require.Len(t, desc.Tools, 1)

	tool := desc.Tools[0]
	assert.Equal(t, "echo", tool.Name)
	assert.Equal(t, "echo_handler", tool.Handler)
	require.Len(t, tool.Parameters, 1)
	assert.Equal(t, "message", tool.Parameters[0].Name)
	assert.Equal(t, "string", tool.Parameters[0].Type)
	assert.False(t, tool.Parameters[0].Required)

	fn, err := mod.Resolve("echo_handler")
	require.NoError(t, err)
	assert.Equal(t, "echo_handler", fn.Name())
}

func TestLoad_AllowedExec(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "tools.star", `
def run_ls(params):
    return {"content": [{"type": "text", "text": "ok"}]}

def describe_extension():
    return Extension(
        name = "tools",
        version = "0.1.0",
        description = "Exec extension",
        tools = [Tool(name = "run_ls", description = "runs ls", handler = run_ls)],
        allowed_exec = ["ls", "cat"],
    )
`)

	desc, _, err := host.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ls", "cat"}, desc.AllowedExec)
}

func TestLoad_MissingDescribe(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "bare.star", `x = 1`)

	_, _, err := host.Load(context.Background(), path)
	assert.ErrorIs(t, err, ErrNoDescribe)
}

func TestLoad_DescribeNotCallable(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "bad.star", `describe_extension = 42`)

	_, _, err := host.Load(context.Background(), path)
	assert.ErrorIs(t, err, ErrNoDescribe)
}

func TestLoad_SyntaxError(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "broken.star", `def f(:`)

	_, _, err := host.Load(context.Background(), path)
	assert.Error(t, err)
}

func TestLoad_NameMustMatchStem(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "mismatch.star", `
def h(params):
    return {"content": []}

def describe_extension():
    return Extension(name = "other", version = "1", description = "d",
        tools = [Tool(name = "t", description = "d", handler = h)])
`)

	_, _, err := host.Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match file stem")
}

func TestLoad_DuplicateToolNames(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "dup.star", `
def h(params):
    return {"content": []}

def describe_extension():
    return Extension(name = "dup", version = "1", description = "d",
        tools = [
            Tool(name = "t", description = "d", handler = h),
            Tool(name = "t", description = "d", handler = h),
        ])
`)

	_, _, err := host.Load(context.Background(), path)
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestLoad_InvalidParameterType(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "badtype.star", `
def h(params):
    return {"content": []}

def describe_extension():
    return Extension(name = "badtype", version = "1", description = "d",
        tools = [Tool(name = "t", description = "d", handler = h,
            parameters = [ToolParameter(name = "p", type = "decimal", required = True)])])
`)

	_, _, err := host.Load(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestLoad_TypeAliases(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "alias.star", `
def h(params):
    return {"content": []}

def describe_extension():
    return Extension(name = "alias", version = "1", description = "d",
        tools = [Tool(name = "t", description = "d", handler = h,
            parameters = [
                ToolParameter(name = "a", type = "int", required = True),
                ToolParameter(name = "b", type = "float", required = False),
                ToolParameter(name = "c", type = "bool", required = False),
            ])])
`)

	desc, _, err := host.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "integer", desc.Tools[0].Parameters[0].Type)
	assert.Equal(t, "number", desc.Tools[0].Parameters[1].Type)
	assert.Equal(t, "boolean", desc.Tools[0].Parameters[2].Type)
}

func TestLoad_UnknownConstructorKwarg(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "kwarg.star", `
def h(params):
    return {"content": []}

def describe_extension():
    return Extension(name = "kwarg", version = "1", description = "d",
        tools = [Tool(name = "t", description = "d", handler = h)],
        surprise = True)
`)

	_, _, err := host.Load(context.Background(), path)
	assert.Error(t, err)
}

func TestLoad_SiblingModules(t *testing.T) {
	host, dir := newTestHost(t)
	writeScript(t, dir, "helpers.star", `
def format_greeting(name):
    return "Hello, " + name + "!"
`)
	path := writeScript(t, dir, "greeter.star", `
load("helpers", "format_greeting")

def greet(params):
    return {"content": [{"type": "text", "text": format_greeting(params.get("name", "world"))}]}

def describe_extension():
    return Extension(name = "greeter", version = "1.0.0", description = "Greets people",
        tools = [Tool(name = "greet", description = "greet", handler = greet)])
`)

	desc, mod, err := host.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "greeter", desc.Name)

	fn, err := mod.Resolve("greet")
	require.NoError(t, err)

	thread := &starlark.Thread{Name: "test"}
	args := starlark.NewDict(0)
	result, err := starlark.Call(thread, fn, starlark.Tuple{args}, nil)
	require.NoError(t, err)
	assert.Contains(t, result.String(), "Hello, world!")
}

func TestLoad_CycleFails(t *testing.T) {
	host, dir := newTestHost(t)
	writeScript(t, dir, "a.star", `load("b", "bee")`+"\n"+`aye = 1`)
	writeScript(t, dir, "b.star", `load("a", "aye")`+"\n"+`bee = 1`)

	_, err := host.LoadModule(context.Background(), filepath.Join(dir, "a.star"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic load")
}

func TestLoad_MissingSibling(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "lonely.star", `load("nowhere", "x")`)

	_, err := host.LoadModule(context.Background(), path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "module not found")
}

func TestFrozenModule_RepeatedCallsAreIdentical(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "echo.star", echoSource)

	_, mod, err := host.Load(context.Background(), path)
	require.NoError(t, err)

	fn, err := mod.Resolve("echo_handler")
	require.NoError(t, err)

	call := func() string {
		args := starlark.NewDict(1)
		require.NoError(t, args.SetKey(starlark.String("message"), starlark.String("hi")))
		thread := &starlark.Thread{Name: "test"}
		v, err := starlark.Call(thread, fn, starlark.Tuple{args}, nil)
		require.NoError(t, err)
		return v.String()
	}

	first := call()
	second := call()
	assert.Equal(t, first, second)
}

func TestFrozenModule_MutationFails(t *testing.T) {
	host, dir := newTestHost(t)
	path := writeScript(t, dir, "mut.star", `
state = {"count": 0}

def bump(params):
    state["count"] += 1
    return {"content": [{"type": "text", "text": str(state["count"])}]}

def describe_extension():
    return Extension(name = "mut", version = "1", description = "d",
        tools = [Tool(name = "bump", description = "d", handler = bump)])
`)

	_, mod, err := host.Load(context.Background(), path)
	require.NoError(t, err)

	fn, err := mod.Resolve("bump")
	require.NoError(t, err)

	thread := &starlark.Thread{Name: "test"}
	_, err = starlark.Call(thread, fn, starlark.Tuple{starlark.NewDict(0)}, nil)
	require.Error(t, err, "mutating a frozen module global must fail")
	assert.Contains(t, err.Error(), "frozen")
}

func TestLoadPrecomputedState(t *testing.T) {
	host, dir := newTestHost(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "names.json"),
		[]byte(`["alpha", "beta"]`), 0o644))
	path := writeScript(t, dir, "dataset.star", `
names = data.load_json("names.json")

def count(params):
    return {"content": [{"type": "text", "text": str(len(names))}]}

def describe_extension():
    return Extension(name = "dataset", version = "1", description = "d",
        tools = [Tool(name = "count", description = "d", handler = count)])
`)

	_, mod, err := host.Load(context.Background(), path)
	require.NoError(t, err)

	fn, err := mod.Resolve("count")
	require.NoError(t, err)
	thread := &starlark.Thread{Name: "test"}
	v, err := starlark.Call(thread, fn, starlark.Tuple{starlark.NewDict(0)}, nil)
	require.NoError(t, err)
	assert.Contains(t, v.String(), "2")
}
