// context.go carries per-call state into capability builtins.
//
// The dispatcher installs a Context on the evaluation thread before invoking
// a handler; capability builtins read it back through the thread local. This
// keeps the whitelist and cancellation signal per call without exposing any
// of it to script code - concurrent dispatches from extensions with
// different whitelists never observe each other's state.

package capability

import (
	"context"

	"go.starlark.net/starlark"
)

const contextKey = "starlark-mcp/callctx"

// Context is the per-call state visible to capability modules. It is scoped
// to exactly one evaluation (a tool dispatch, a load-time eval, or a test
// run) and is never stored beyond it.
type Context struct {
	// Ctx is the cancellation signal for this call. Blocking capabilities
	// thread it into their I/O.
	Ctx context.Context

	// ExecWhitelist is the calling extension's allowed_exec set. Empty means
	// the extension declared no whitelist and exec.run is denied.
	ExecWhitelist []string

	// ExtensionsDir is the root against which data.load_json resolves paths.
	ExtensionsDir string

	// RequestID identifies the originating tools/call for logging.
	RequestID string
}

// Install attaches the context to an evaluation thread.
func Install(thread *starlark.Thread, c *Context) {
	thread.SetLocal(contextKey, c)
}

// From retrieves the call context from a thread. Evaluations on a thread
// that never had one installed (the dispatcher, script host and test runner
// all install one) get an empty context with background cancellation.
func From(thread *starlark.Thread) *Context {
	if c, ok := thread.Local(contextKey).(*Context); ok && c != nil {
		return c
	}
	return &Context{Ctx: context.Background()}
}
