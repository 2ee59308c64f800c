// Package dispatch executes tool calls against loaded extensions: argument
// validation, marshalling, handler invocation, and result shaping.
//
// A dispatch captures its extension reference once, up front. Reloads that
// land mid-call replace the registry entry but never revoke that reference,
// so the call completes against the version it started with. Each call gets
// a fresh evaluation thread; handlers share nothing but the frozen module.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/connyay/starlark-mcp/internal/bridge"
	"github.com/connyay/starlark-mcp/internal/capability"
	"github.com/connyay/starlark-mcp/internal/registry"
	"github.com/connyay/starlark-mcp/internal/script"
)

// ErrArgument marks required-parameter and type-mismatch failures. They
// surface as isError tool results, not protocol errors.
var ErrArgument = errors.New("invalid arguments")

// Content is one entry of a tool result's content sequence.
type Content struct {
	Type string
	Text string
}

// Result is the shaped outcome of a dispatch, ready for the MCP adapter.
type Result struct {
	Content           []Content
	IsError           bool
	StructuredContent any
}

// TextResult builds a single-text success result.
func TextResult(text string) *Result {
	return &Result{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds an isError result with the conventional prefix.
func ErrorResult(message string) *Result {
	return &Result{
		Content: []Content{{Type: "text", Text: "Error: " + message}},
		IsError: true,
	}
}

// Dispatcher resolves and executes tool calls.
type Dispatcher struct {
	reg    *registry.Registry
	dir    string
	logger *slog.Logger

	inflight sync.WaitGroup
}

// New creates a dispatcher. dir is the extensions directory made available
// to the data capability during calls.
func New(reg *registry.Registry, dir string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, dir: dir, logger: logger}
}

// Dispatch runs one tool call. An unknown tool returns
// registry.ErrToolNotFound as a Go error (a protocol-level failure); every
// script-level failure is reported inside the Result instead.
func (d *Dispatcher) Dispatch(ctx context.Context, toolName string, rawArgs map[string]any, requestID string) (*Result, error) {
	d.inflight.Add(1)
	defer d.inflight.Done()

	ext, tool, err := d.reg.Lookup(toolName)
	if err != nil {
		return nil, err
	}

	args, err := validateArgs(tool, rawArgs)
	if err != nil {
		if errors.Is(err, ErrArgument) {
			return ErrorResult(err.Error()), nil
		}
		return nil, err
	}

	argsValue, err := bridge.FromGo(args)
	if err != nil {
		d.logger.Error("argument marshalling failed", "tool", toolName, "error", err)
		return ErrorResult("internal: " + err.Error()), nil
	}

	fn, err := ext.Module.Resolve(tool.Handler)
	if err != nil {
		d.logger.Error("handler resolution failed", "tool", toolName, "error", err)
		return ErrorResult(err.Error()), nil
	}

	thread := &starlark.Thread{Name: "tool:" + toolName}
	capability.Install(thread, &capability.Context{
		Ctx:           ctx,
		ExecWhitelist: ext.Descriptor.AllowedExec,
		ExtensionsDir: d.dir,
		RequestID:     requestID,
	})

	value, err := starlark.Call(thread, fn, starlark.Tuple{argsValue}, nil)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			d.logger.Error("handler failed", "tool", toolName, "error", evalErr.Msg,
				"backtrace", evalErr.Backtrace())
			return ErrorResult(evalErr.Msg), nil
		}
		d.logger.Error("handler failed", "tool", toolName, "error", err)
		return ErrorResult(err.Error()), nil
	}

	return shapeResult(value), nil
}

// Drain waits for in-flight dispatches to finish, giving up after the
// timeout. Returns true if everything completed.
func (d *Dispatcher) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// validateArgs checks raw JSON arguments against the parameter specs,
// substitutes declared defaults, and drops unknown arguments.
func validateArgs(tool *script.Tool, raw map[string]any) (map[string]any, error) {
	known := make(map[string]bool, len(tool.Parameters))
	out := make(map[string]any, len(raw))

	for _, p := range tool.Parameters {
		known[p.Name] = true

		v, present := raw[p.Name]
		if !present {
			if p.Required {
				return nil, fmt.Errorf("%w: missing required parameter %q", ErrArgument, p.Name)
			}
			if p.HasDefault {
				out[p.Name] = defaultValue(p)
			}
			continue
		}
		coerced, err := checkType(p, v)
		if err != nil {
			return nil, err
		}
		out[p.Name] = coerced
	}

	// Unknown arguments are dropped for forward compatibility.
	return out, nil
}

// checkType enforces the declared JSON type. Booleans are not integers;
// integers widen to number; arrays and objects pass through as-is.
func checkType(p script.Parameter, v any) (any, error) {
	mismatch := func() error {
		return fmt.Errorf("%w: parameter %q must be a %s, got %T", ErrArgument, p.Name, p.Type, v)
	}

	switch p.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return nil, mismatch()
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return nil, mismatch()
		}
	case "integer":
		f, ok := asNumber(v)
		if !ok || f != math.Trunc(f) {
			return nil, mismatch()
		}
		return int64(f), nil
	case "number":
		if _, ok := asNumber(v); !ok {
			return nil, mismatch()
		}
	case "array":
		if _, ok := v.([]any); !ok {
			return nil, mismatch()
		}
	case "object":
		if _, ok := v.(map[string]any); !ok {
			return nil, mismatch()
		}
	}
	return v, nil
}

// asNumber accepts the numeric shapes encoding/json can produce. A JSON
// boolean is deliberately not a number.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// defaultValue decodes a parameter's string-encoded default per its type.
// Unparseable defaults fall back to the raw string.
func defaultValue(p script.Parameter) any {
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

// shapeResult converts a handler's return value into a well-formed Result.
// A mapping with a content sequence passes through; anything else is
// wrapped as a single text content.
func shapeResult(value starlark.Value) *Result {
	mapping, ok := value.(starlark.Mapping)
	if !ok {
		return TextResult(displayString(value))
	}
	contentVal, found, err := mapping.Get(starlark.String("content"))
	if err != nil || !found {
		return TextResult(displayString(value))
	}
	iterable, ok := contentVal.(starlark.Iterable)
	if !ok {
		return TextResult(displayString(value))
	}

	result := &Result{}
	iter := iterable.Iterate()
	defer iter.Done()
	var entry starlark.Value
	for iter.Next(&entry) {
		result.Content = append(result.Content, contentEntry(entry))
	}
	if result.Content == nil {
		result.Content = []Content{}
	}

	if v, found, _ := mapping.Get(starlark.String("isError")); found {
		result.IsError = bool(v.Truth())
	}
	if v, found, _ := mapping.Get(starlark.String("structuredContent")); found && v != starlark.None {
		result.StructuredContent = bridge.ToGo(v)
	}
	return result
}

func contentEntry(v starlark.Value) Content {
	m, ok := v.(starlark.Mapping)
	if !ok {
		return Content{Type: "text", Text: displayString(v)}
	}
	c := Content{Type: "text"}
	if tv, found, _ := m.Get(starlark.String("type")); found {
		if s, ok := starlark.AsString(tv); ok {
			c.Type = s
		}
	}
	if tv, found, _ := m.Get(starlark.String("text")); found {
		c.Text = displayString(tv)
	}
	return c
}

// displayString renders a value the way Starlark's str() would: strings
// unquoted, everything else via String().
func displayString(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
