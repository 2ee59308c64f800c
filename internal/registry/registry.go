// Package registry maintains the authoritative mapping from extension and
// tool names to their loaded modules.
//
// Single writer (the loader), many readers (dispatchers). Writes swap
// immutable *LoadedExtension values under the lock; a dispatcher that
// already holds a reference keeps a valid view for the duration of its call
// even if the entry is replaced or removed mid-flight.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/connyay/starlark-mcp/internal/script"
)

// Errors returned by registry operations.
var (
	// ErrToolConflict rejects an extension whose tool name is already
	// advertised by a different extension.
	ErrToolConflict = errors.New("tool name already registered by another extension")

	// ErrToolNotFound is returned when a dispatch names an unknown tool.
	ErrToolNotFound = errors.New("tool not found")
)

// LoadedExtension pairs a descriptor with its frozen module. Never mutated
// after construction.
type LoadedExtension struct {
	Descriptor *script.Descriptor
	Module     *script.Module
	Path       string
}

// Registry is the process-wide extension table.
type Registry struct {
	mu         sync.RWMutex
	extensions map[string]*LoadedExtension
	toolIndex  map[string]string // tool name -> extension name
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		extensions: make(map[string]*LoadedExtension),
		toolIndex:  make(map[string]string),
	}
}

// Install adds or replaces an extension. The new tool set must not collide
// with tools owned by other extensions; on conflict the registry is left
// unchanged and the incumbent keeps its registration.
func (r *Registry) Install(ext *LoadedExtension) error {
	name := ext.Descriptor.Name

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range ext.Descriptor.Tools {
		if owner, ok := r.toolIndex[tool.Name]; ok && owner != name {
			return fmt.Errorf("%w: %q belongs to %q", ErrToolConflict, tool.Name, owner)
		}
	}

	// Drop the tool entries of the version being replaced before indexing
	// the new set; a reload may rename or remove tools.
	if old, ok := r.extensions[name]; ok {
		for _, tool := range old.Descriptor.Tools {
			delete(r.toolIndex, tool.Name)
		}
	}
	for _, tool := range ext.Descriptor.Tools {
		r.toolIndex[tool.Name] = name
	}
	r.extensions[name] = ext
	return nil
}

// Remove deletes an extension by name. Returns the removed entry, or nil if
// it was not installed.
func (r *Registry) Remove(name string) *LoadedExtension {
	r.mu.Lock()
	defer r.mu.Unlock()

	ext, ok := r.extensions[name]
	if !ok {
		return nil
	}
	for _, tool := range ext.Descriptor.Tools {
		delete(r.toolIndex, tool.Name)
	}
	delete(r.extensions, name)
	return ext
}

// Lookup resolves a tool name to the extension that owns it and the tool
// descriptor. The returned extension is a stable reference: it remains valid
// for the caller regardless of later installs or removes.
func (r *Registry) Lookup(toolName string) (*LoadedExtension, *script.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	extName, ok := r.toolIndex[toolName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrToolNotFound, toolName)
	}
	ext := r.extensions[extName]
	for i := range ext.Descriptor.Tools {
		if ext.Descriptor.Tools[i].Name == toolName {
			return ext, &ext.Descriptor.Tools[i], nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrToolNotFound, toolName)
}

// Get returns the extension registered under name, or nil.
func (r *Registry) Get(name string) *LoadedExtension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extensions[name]
}

// Snapshot returns the installed extensions sorted by name. The slice is
// fresh; the entries are the shared immutable values.
func (r *Registry) Snapshot() []*LoadedExtension {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*LoadedExtension, 0, len(r.extensions))
	for _, ext := range r.extensions {
		out = append(out, ext)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}

// ToolNames returns every advertised tool name, sorted.
func (r *Registry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.toolIndex))
	for name := range r.toolIndex {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
