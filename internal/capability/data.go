// data.go implements the data capability: load-time access to JSON files
// shipped alongside extension scripts.
//
// Paths resolve under the extensions directory carried in the call context.
// Traversal outside it is rejected, both by the ".." check and by comparing
// resolved absolute paths, so a symlinked extensions directory still
// confines reads.

package capability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/connyay/starlark-mcp/internal/bridge"
)

func dataModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "data",
		Members: starlark.StringDict{
			"load_json": starlark.NewBuiltin("load_json", dataLoadJSON),
		},
	}
}

func dataLoadJSON(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}

	cctx := From(thread)
	if cctx.ExtensionsDir == "" {
		return nil, fmt.Errorf("data.load_json: extensions directory not configured")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("data.load_json: path traversal not allowed: %s", path)
	}

	root, err := filepath.Abs(cctx.ExtensionsDir)
	if err != nil {
		return nil, fmt.Errorf("data.load_json: resolve extensions directory: %w", err)
	}
	full, err := filepath.Abs(filepath.Join(root, path))
	if err != nil {
		return nil, fmt.Errorf("data.load_json: resolve %q: %w", path, err)
	}
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("data.load_json: path must be within extensions directory")
	}

	content, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("data.load_json: read %q: %w", path, err)
	}

	v, err := bridge.Decode(content)
	if err != nil {
		return nil, fmt.Errorf("data.load_json: parse %q: %w", path, err)
	}
	return v, nil
}
