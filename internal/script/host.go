// Package script evaluates extension source files into frozen, concurrently
// callable module snapshots.
//
// Loading an extension evaluates the file in a fresh module against the
// capability globals and the MCP type constructors, freezes the resulting
// globals, and calls describe_extension() to obtain the descriptor. A frozen
// module is immutable: dispatchers on any number of goroutines may resolve
// and call its functions without coordination.
package script

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/connyay/starlark-mcp/internal/capability"
)

// Load errors.
var (
	ErrCycle    = errors.New("cyclic load")
	ErrNotFound = errors.New("module not found")
)

// fileOptions is the dialect accepted in extension files: set literals,
// while loops, top-level control flow, and recursion.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Module is a frozen evaluation snapshot plus its provenance.
type Module struct {
	Globals starlark.StringDict
	Path    string
	Digest  [sha256.Size]byte
}

// Resolve returns the named module-level callable, re-resolved per call so
// the frozen module retains sole ownership of its functions.
func (m *Module) Resolve(symbol string) (starlark.Callable, error) {
	v, ok := m.Globals[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: symbol %q", ErrUnresolvedSymbol, symbol)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%w: symbol %q is %s", ErrUnresolvedSymbol, symbol, v.Type())
	}
	return fn, nil
}

// Host loads extension files. It carries the capability set and the mode
// (server or test) that decides whether the testing module is visible.
type Host struct {
	caps     *capability.Set
	dir      string
	testMode bool
}

// NewHost creates a script host rooted at the extensions directory.
func NewHost(caps *capability.Set, dir string, testMode bool) *Host {
	return &Host{caps: caps, dir: dir, testMode: testMode}
}

// Globals returns the predeclared environment for extension files:
// capability modules plus the MCP type constructors.
func (h *Host) Globals() starlark.StringDict {
	globals := h.caps.Globals(h.testMode)
	for name, v := range typeConstructors() {
		globals[name] = v
	}
	return globals
}

// Load evaluates the file at path and returns its descriptor and frozen
// module. The descriptor name must match the file stem.
func (h *Host) Load(ctx context.Context, path string) (*Descriptor, *Module, error) {
	loads := &loadSession{host: h, ctx: ctx, modules: make(map[string]*loadEntry)}

	mod, err := loads.evalFile(path)
	if err != nil {
		return nil, nil, err
	}

	desc, err := h.describe(ctx, mod)
	if err != nil {
		return nil, nil, err
	}

	stem := Stem(path)
	if desc.Name != stem {
		return nil, nil, fmt.Errorf("%w: extension name %q does not match file stem %q", ErrBadDescriptor, desc.Name, stem)
	}
	if err := desc.validate(mod.Globals); err != nil {
		return nil, nil, err
	}
	return desc, mod, nil
}

// LoadModule evaluates a file without requiring a describe_extension()
// descriptor. The test runner uses this for *_test.star files.
func (h *Host) LoadModule(ctx context.Context, path string) (*Module, error) {
	loads := &loadSession{host: h, ctx: ctx, modules: make(map[string]*loadEntry)}
	return loads.evalFile(path)
}

// describe calls describe_extension() on a frozen module.
func (h *Host) describe(ctx context.Context, mod *Module) (*Descriptor, error) {
	v, ok := mod.Globals["describe_extension"]
	if !ok {
		return nil, ErrNoDescribe
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%w: describe_extension is %s", ErrNoDescribe, v.Type())
	}

	thread := h.newThread(ctx, "describe:"+mod.Path)
	result, err := starlark.Call(thread, fn, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("describe_extension(): %w", err)
	}
	return extractDescriptor(result)
}

// newThread builds an evaluation thread with the load-time capability
// context installed: extensions dir for data.load_json, no exec whitelist.
func (h *Host) newThread(ctx context.Context, name string) *starlark.Thread {
	thread := &starlark.Thread{Name: name}
	capability.Install(thread, &capability.Context{
		Ctx:           ctx,
		ExtensionsDir: h.dir,
	})
	return thread
}

// Stem returns the extension name for a script path: the file name without
// its .star suffix.
func Stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".star")
}

// loadEntry tracks one module within a load session. A nil module field
// with done=false marks a module currently being evaluated, which is how
// cycles are detected.
type loadEntry struct {
	module *Module
	done   bool
}

// loadSession evaluates one top-level file and its load() closure. Sibling
// modules are cached for the session only, so a reload always re-reads its
// dependencies from disk.
type loadSession struct {
	host    *Host
	ctx     context.Context
	modules map[string]*loadEntry
}

func (s *loadSession) evalFile(path string) (*Module, error) {
	stem := Stem(path)
	if entry, ok := s.modules[stem]; ok {
		if !entry.done {
			return nil, fmt.Errorf("%w: %q loads itself, directly or transitively", ErrCycle, stem)
		}
		return entry.module, nil
	}
	s.modules[stem] = &loadEntry{}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	thread := s.host.newThread(s.ctx, "load:"+stem)
	thread.Load = s.loadSibling

	globals, err := starlark.ExecFileOptions(fileOptions, thread, path, src, s.host.Globals())
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", path, err)
	}
	globals.Freeze()

	mod := &Module{Globals: globals, Path: path, Digest: sha256.Sum256(src)}
	s.modules[stem] = &loadEntry{module: mod, done: true}
	return mod, nil
}

// loadSibling resolves load("x", ...) to the sibling file x.star in the
// extensions directory.
func (s *loadSession) loadSibling(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	name := strings.TrimSuffix(module, ".star")
	if name == "" || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: invalid module name %q", ErrNotFound, module)
	}

	path := filepath.Join(s.host.dir, name+".star")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %q (looked for %s)", ErrNotFound, module, path)
	}

	mod, err := s.evalFile(path)
	if err != nil {
		return nil, err
	}
	return mod.Globals, nil
}
