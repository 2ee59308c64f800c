// Package capability implements the host-provided modules injected into
// script globals: time, env, math, json, http, exec, sqlite, postgres, data,
// fuzzy, and (in test mode) testing.
//
// Each module is a *starlarkstruct.Module whose members are builtins. Every
// call is synchronous from the script's viewpoint; the blocking modules
// (http, exec, sqlite, postgres, data) read the per-call Context from the
// evaluation thread for cancellation and capability gating.
package capability

import (
	"fmt"
	"net/http"
	"time"

	"go.starlark.net/starlark"
)

// Set holds the process-wide resources behind the capability modules: the
// shared HTTP client and the database handle caches. One Set serves all
// extensions and all concurrent dispatches.
type Set struct {
	httpClient *http.Client
	sqlite     *sqliteCache
	postgres   *postgresCache
}

// NewSet creates the capability set. httpTimeout bounds every outbound HTTP
// request; zero selects the 30 second default.
func NewSet(httpTimeout time.Duration) *Set {
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}
	return &Set{
		httpClient: &http.Client{Timeout: httpTimeout},
		sqlite:     newSQLiteCache(),
		postgres:   newPostgresCache(),
	}
}

// Close releases pooled database handles.
func (s *Set) Close() {
	s.sqlite.close()
	s.postgres.close()
}

// Globals returns the capability modules keyed by their script-visible
// names. The testing module is present only in test mode.
func (s *Set) Globals(testMode bool) starlark.StringDict {
	globals := starlark.StringDict{
		"time":     timeModule(),
		"env":      envModule(),
		"math":     mathModule(),
		"json":     jsonModule(),
		"http":     s.httpModule(),
		"exec":     execModule(),
		"sqlite":   s.sqliteModule(),
		"postgres": s.postgresModule(),
		"data":     dataModule(),
		"fuzzy":    fuzzyModule(),
	}
	if testMode {
		globals["testing"] = testingModule()
	}
	return globals
}

// asFloat converts a numeric Starlark value to float64. Used by the math
// builtins, which accept ints and floats interchangeably.
func asFloat(name string, v starlark.Value) (float64, error) {
	switch n := v.(type) {
	case starlark.Int:
		f, _ := starlark.AsFloat(n)
		return f, nil
	case starlark.Float:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%s: got %s, want int or float", name, v.Type())
	}
}
