// Package loader discovers extension files under a directory tree, drives
// initial loading, and keeps the registry current as files change on disk.
//
// File selection depends on mode: the server loads *.star but never
// *_test.star; the test runner loads only *_test.star. Initial load is
// best-effort - a file that fails to load is logged and skipped so the
// server starts with whatever else loaded.
package loader

import (
	"context"
	"crypto/sha256"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/connyay/starlark-mcp/internal/registry"
	"github.com/connyay/starlark-mcp/internal/script"
)

// Mode selects which files the loader considers.
type Mode int

const (
	// ModeServer loads *.star, excluding *_test.star.
	ModeServer Mode = iota
	// ModeTest loads only *_test.star.
	ModeTest
)

// Loader scans an extensions directory and maintains the registry.
type Loader struct {
	dir    string
	mode   Mode
	host   *script.Host
	reg    *registry.Registry
	logger *slog.Logger

	// changed coalesces reload notifications: a buffered one-slot channel
	// the MCP adapter drains into list_changed notifications.
	changed chan struct{}
}

// New creates a loader over the given directory.
func New(dir string, mode Mode, host *script.Host, reg *registry.Registry, logger *slog.Logger) *Loader {
	return &Loader{
		dir:     dir,
		mode:    mode,
		host:    host,
		reg:     reg,
		logger:  logger,
		changed: make(chan struct{}, 1),
	}
}

// Changed delivers a signal after every registry update caused by a file
// event. Signals coalesce; a reader observes at least one signal per burst.
func (l *Loader) Changed() <-chan struct{} {
	return l.changed
}

// Scan returns the files the current mode should load, from the directory
// and every subdirectory, sorted for a deterministic load order. A missing
// directory yields an empty list.
func (l *Loader) Scan() ([]string, error) {
	files, err := ScanDir(l.dir, l.mode)
	if os.IsNotExist(err) {
		l.logger.Warn("extensions directory does not exist", "dir", l.dir)
		return nil, nil
	}
	return files, err
}

// ScanDir lists the mode's matching files under dir, recursively, sorted.
func ScanDir(dir string, mode Mode) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if mode.includes(entry.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// includes applies the mode's file-selection policy to a base name.
func (m Mode) includes(name string) bool {
	if !strings.HasSuffix(name, ".star") {
		return false
	}
	isTest := strings.HasSuffix(name, "_test.star")
	if m == ModeTest {
		return isTest
	}
	return !isTest
}

// LoadAll performs the initial best-effort load of every matching file.
func (l *Loader) LoadAll(ctx context.Context) error {
	files, err := l.Scan()
	if err != nil {
		return err
	}
	for _, path := range files {
		if err := l.install(ctx, path); err != nil {
			l.logger.Warn("failed to load extension", "path", path, "error", err)
		}
	}
	return nil
}

// Reload loads or reloads a single file and installs it. On failure any
// previously installed version stays registered. Unchanged content (by
// digest) is a no-op.
func (l *Loader) Reload(ctx context.Context, path string) {
	name := script.Stem(path)
	if prev := l.reg.Get(name); prev != nil {
		if src, err := os.ReadFile(path); err == nil {
			if prev.Module != nil && prev.Module.Digest == digestOf(src) {
				l.logger.Debug("extension unchanged, skipping reload", "extension", name)
				return
			}
		}
	}

	if err := l.install(ctx, path); err != nil {
		l.logger.Warn("failed to reload extension, keeping previous version",
			"path", path, "error", err)
		return
	}
	l.logger.Info("reloaded extension", "extension", name)
	l.signal()
}

// Remove drops the extension backed by path from the registry.
func (l *Loader) Remove(path string) {
	name := script.Stem(path)
	if removed := l.reg.Remove(name); removed != nil {
		l.logger.Info("removed extension", "extension", name)
		l.signal()
	}
}

func (l *Loader) install(ctx context.Context, path string) error {
	desc, mod, err := l.host.Load(ctx, path)
	if err != nil {
		return err
	}
	ext := &registry.LoadedExtension{Descriptor: desc, Module: mod, Path: path}
	if err := l.reg.Install(ext); err != nil {
		return err
	}
	l.logger.Info("loaded extension", "extension", desc.Name, "tools", len(desc.Tools))
	return nil
}

func digestOf(src []byte) [sha256.Size]byte {
	return sha256.Sum256(src)
}

func (l *Loader) signal() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}
