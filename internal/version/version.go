// Package version provides build version information for starlark-mcp.
// Variables are set at build time via ldflags:
//
//	go build -ldflags="-X github.com/connyay/starlark-mcp/internal/version.Version=v1.0.0 \
//	  -X github.com/connyay/starlark-mcp/internal/version.GitCommit=abc123"
package version

import (
	"fmt"
	"runtime"
)

// Build information. Set via ldflags at build time.
var (
	Version   = "dev"     // Version tag (e.g., "v1.0.0")
	GitCommit = "unknown" // Short git commit hash
)

// Short returns just the version string (e.g., "v1.0.0" or "dev").
func Short() string {
	return Version
}

// Full returns the version with commit and platform detail for logging.
func Full() string {
	return fmt.Sprintf("%s (%s, %s/%s)", Version, GitCommit, runtime.GOOS, runtime.GOARCH)
}
