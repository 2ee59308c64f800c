// exec.go implements the exec capability: whitelist-gated execution of
// external commands.
//
// The whitelist travels in the per-call Context, so the gate is evaluated
// against the extension that owns the currently-running handler, not any
// process-global state. Denial is raised into the script; the handler
// decides how to report it.

package capability

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func execModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "exec",
		Members: starlark.StringDict{
			"run": starlark.NewBuiltin("run", execRun),
		},
	}
}

// checkWhitelist applies the capability gate to a command basename.
func checkWhitelist(cctx *Context, command string) error {
	if len(cctx.ExecWhitelist) == 0 {
		return fmt.Errorf(
			"command %q cannot be executed: no exec whitelist configured for this extension; add allowed_exec=[%q] to the Extension definition",
			command, command)
	}
	base := filepath.Base(command)
	for _, allowed := range cctx.ExecWhitelist {
		if base == allowed {
			return nil
		}
	}
	return fmt.Errorf("command %q is not in the allowed exec whitelist; allowed commands: %v",
		command, cctx.ExecWhitelist)
}

func execRun(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command string
	var argsVal starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "command", &command, "args?", &argsVal); err != nil {
		return nil, err
	}

	cctx := From(thread)
	if err := checkWhitelist(cctx, command); err != nil {
		return nil, err
	}

	argv, err := stringList(argsVal, "exec.run: args")
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(cctx.Ctx, command, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Spawn failure (command missing, context cancelled before
			// start): raise rather than fabricate an exit status.
			return nil, fmt.Errorf("exec.run: failed to execute %q: %w", command, runErr)
		}
	}

	result := starlark.NewDict(4)
	_ = result.SetKey(starlark.String("stdout"), starlark.String(stdout.String()))
	_ = result.SetKey(starlark.String("stderr"), starlark.String(stderr.String()))
	_ = result.SetKey(starlark.String("exit_code"), starlark.MakeInt(exitCode))
	_ = result.SetKey(starlark.String("success"), starlark.Bool(runErr == nil))
	return result, nil
}

// stringList converts an optional iterable of values to Go strings.
// None yields an empty slice.
func stringList(v starlark.Value, what string) ([]string, error) {
	if v == nil || v == starlark.None {
		return nil, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%s must be a list, got %s", what, v.Type())
	}
	var out []string
	iter := iterable.Iterate()
	defer iter.Done()
	var elem starlark.Value
	for iter.Next(&elem) {
		if s, ok := starlark.AsString(elem); ok {
			out = append(out, s)
		} else {
			out = append(out, elem.String())
		}
	}
	return out, nil
}
