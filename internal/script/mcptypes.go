// mcptypes.go injects the Extension, Tool, and ToolParameter record
// constructors into script globals. They are pure: each returns a plain
// dict, rejects unknown keyword arguments, and defaults omitted optional
// fields to None or empty.

package script

import (
	"go.starlark.net/starlark"
)

// typeConstructors returns the MCP record constructors added to every
// script's global environment.
func typeConstructors() starlark.StringDict {
	return starlark.StringDict{
		"Extension":     starlark.NewBuiltin("Extension", makeExtension),
		"Tool":          starlark.NewBuiltin("Tool", makeTool),
		"ToolParameter": starlark.NewBuiltin("ToolParameter", makeToolParameter),
	}
}

func makeExtension(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, version, description string
	var tools starlark.Value
	var allowedExec starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"version", &version,
		"description", &description,
		"tools", &tools,
		"allowed_exec?", &allowedExec,
	); err != nil {
		return nil, err
	}

	d := starlark.NewDict(5)
	_ = d.SetKey(starlark.String("name"), starlark.String(name))
	_ = d.SetKey(starlark.String("version"), starlark.String(version))
	_ = d.SetKey(starlark.String("description"), starlark.String(description))
	_ = d.SetKey(starlark.String("tools"), tools)
	_ = d.SetKey(starlark.String("allowed_exec"), allowedExec)
	return d, nil
}

func makeTool(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, description string
	var handler starlark.Value
	var parameters starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"description", &description,
		"parameters?", &parameters,
		"handler", &handler,
	); err != nil {
		return nil, err
	}

	d := starlark.NewDict(4)
	_ = d.SetKey(starlark.String("name"), starlark.String(name))
	_ = d.SetKey(starlark.String("description"), starlark.String(description))
	_ = d.SetKey(starlark.String("parameters"), parameters)
	_ = d.SetKey(starlark.String("handler"), handler)
	return d, nil
}

func makeToolParameter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, paramType string
	var required bool
	var description string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name,
		"type", &paramType,
		"required", &required,
		"default?", &def,
		"description?", &description,
	); err != nil {
		return nil, err
	}

	d := starlark.NewDict(5)
	_ = d.SetKey(starlark.String("name"), starlark.String(name))
	_ = d.SetKey(starlark.String("type"), starlark.String(paramType))
	_ = d.SetKey(starlark.String("required"), starlark.Bool(required))
	_ = d.SetKey(starlark.String("default"), def)
	_ = d.SetKey(starlark.String("description"), starlark.String(description))
	return d, nil
}
