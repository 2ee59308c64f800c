// watcher.go watches the extensions directory and feeds file events into
// the loader.
//
// fsnotify watches are non-recursive, so every directory under the root is
// registered individually; directories created later are picked up from
// their create events, along with any *.star files already inside them.
//
// Events against the same path debounce over a 200ms window so editor save
// sequences (write temp, rename over target) collapse into one reload. When
// a timer fires the path is re-examined: if the file exists it reloads,
// otherwise the extension is removed. Reloads never wait for in-flight
// dispatches; those continue on the module they captured.

package loader

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceWindow is how long a path's events coalesce before acting.
const DebounceWindow = 200 * time.Millisecond

// Watch starts the file watcher and blocks until ctx is cancelled. Intended
// to run on its own goroutine.
func (l *Loader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := l.watchTree(watcher, l.dir); err != nil {
		l.logger.Warn("extensions directory not watchable", "dir", l.dir, "error", err)
		return err
	}
	l.logger.Info("watching extensions directory", "dir", l.dir)

	var mu sync.Mutex
	timers := make(map[string]*time.Timer)
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range timers {
			t.Stop()
		}
	}()

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if timer, ok := timers[path]; ok {
			timer.Reset(DebounceWindow)
			return
		}
		timers[path] = time.AfterFunc(DebounceWindow, func() {
			mu.Lock()
			delete(timers, path)
			mu.Unlock()
			l.settle(ctx, path)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// A new directory starts its own watch; files that landed in it
			// before the watch took effect are scheduled from the walk.
			if event.Op&fsnotify.Create != 0 && isDir(event.Name) {
				for _, path := range l.adoptTree(watcher, event.Name) {
					schedule(path)
				}
				continue
			}
			if !l.mode.includes(filepath.Base(event.Name)) {
				continue
			}
			l.logger.Debug("extension file event", "path", event.Name, "op", event.Op.String())
			schedule(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watch error", "error", err)
		}
	}
}

// watchTree registers root and every directory below it.
func (l *Loader) watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

// adoptTree starts watching a directory created after startup and returns
// the matching files already inside it.
func (l *Loader) adoptTree(watcher *fsnotify.Watcher, root string) []string {
	var pending []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return watcher.Add(path)
		}
		if l.mode.includes(entry.Name()) {
			pending = append(pending, path)
		}
		return nil
	})
	if err != nil {
		l.logger.Warn("failed to watch new directory", "dir", root, "error", err)
	}
	return pending
}

// settle acts on a debounced path: reload if the file is present, remove if
// it is gone.
func (l *Loader) settle(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(path); err == nil {
		l.Reload(ctx, path)
	} else {
		l.Remove(path)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
