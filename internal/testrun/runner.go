// Package testrun executes *_test.star files: it discovers test_ functions,
// runs them sequentially, and reports a pass/fail summary.
//
// Test files load with the testing module in scope and may load() sibling
// non-test scripts. Each test function runs on a fresh thread; a raised
// error (assertion failure or otherwise) fails that test only.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"go.starlark.net/starlark"

	"github.com/connyay/starlark-mcp/internal/capability"
	"github.com/connyay/starlark-mcp/internal/loader"
	"github.com/connyay/starlark-mcp/internal/script"
)

// Result records one executed test function.
type Result struct {
	Name   string // "file::test_function"
	Passed bool
	Err    error
}

// Summary tallies a full run.
type Summary struct {
	Total   int
	Passed  int
	Failed  int
	Results []Result
}

func (s *Summary) add(r Result) {
	s.Total++
	if r.Passed {
		s.Passed++
	} else {
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// Print writes the run report in the fixed summary format.
func (s *Summary) Print(w io.Writer) {
	rule := strings.Repeat("=", 60)
	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintln(w, "Test Summary")
	fmt.Fprintln(w, rule)

	for _, r := range s.Results {
		status := "✓ PASS"
		if !r.Passed {
			status = "✗ FAIL"
		}
		fmt.Fprintf(w, "%s %s\n", status, r.Name)
		if r.Err != nil {
			fmt.Fprintf(w, "  Error: %s\n", errorMessage(r.Err))
		}
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Total: %d | Passed: %d | Failed: %d\n", s.Total, s.Passed, s.Failed)
	fmt.Fprintln(w, rule)
}

// errorMessage strips the interpreter's backtrace down to the message.
func errorMessage(err error) string {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Msg
	}
	return err.Error()
}

// Runner drives test discovery and execution over an extensions directory.
type Runner struct {
	dir    string
	host   *script.Host
	logger *slog.Logger
}

// New creates a test runner. The host must have been built in test mode so
// the testing module is in scope.
func New(dir string, host *script.Host, logger *slog.Logger) *Runner {
	return &Runner{dir: dir, host: host, logger: logger}
}

// Run loads every *_test.star file under the directory and executes its
// test functions sequentially. File-level load failures count as a single
// failed entry so a broken file cannot pass silently.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	files, err := loader.ScanDir(r.dir, loader.ModeTest)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", r.dir, err)
	}

	summary := &Summary{}
	for _, path := range files {
		r.runFile(ctx, path, summary)
	}
	return summary, nil
}

func (r *Runner) runFile(ctx context.Context, path string, summary *Summary) {
	stem := script.Stem(path)

	mod, err := r.host.LoadModule(ctx, path)
	if err != nil {
		r.logger.Error("failed to load test file", "path", path, "error", err)
		summary.add(Result{Name: stem, Passed: false, Err: err})
		return
	}

	for _, name := range discoverTests(mod) {
		result := r.runTest(ctx, mod, stem, name)
		summary.add(result)
	}
}

// discoverTests returns the module's zero-argument test_ functions in
// sorted order.
func discoverTests(mod *script.Module) []string {
	var names []string
	for name, v := range mod.Globals {
		if !strings.HasPrefix(name, "test_") {
			continue
		}
		fn, ok := v.(*starlark.Function)
		if !ok || fn.NumParams() != 0 {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runner) runTest(ctx context.Context, mod *script.Module, stem, name string) Result {
	full := stem + "::" + name

	fn, err := mod.Resolve(name)
	if err != nil {
		return Result{Name: full, Passed: false, Err: err}
	}

	thread := &starlark.Thread{Name: "test:" + full}
	capability.Install(thread, &capability.Context{
		Ctx:           ctx,
		ExtensionsDir: r.dir,
	})

	if _, err := starlark.Call(thread, fn, nil, nil); err != nil {
		return Result{Name: full, Passed: false, Err: err}
	}
	return Result{Name: full, Passed: true}
}
