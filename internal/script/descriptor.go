// descriptor.go defines the extension descriptor model and its extraction
// from the value returned by describe_extension().
//
// The descriptor stores handler symbol names, not function objects: the
// frozen module keeps sole ownership of its callables and dispatch
// re-resolves the symbol per call.

package script

import (
	"errors"
	"fmt"
	"regexp"

	"go.starlark.net/starlark"
)

// Errors surfaced while building a descriptor.
var (
	ErrNoDescribe       = errors.New("extension must define describe_extension()")
	ErrBadDescriptor    = errors.New("invalid extension descriptor")
	ErrDuplicateTool    = errors.New("duplicate tool name within extension")
	ErrUnresolvedSymbol = errors.New("handler does not resolve to a module-level function")
)

// ParamTypes is the set of accepted parameter type names, as they appear in
// the rendered JSON schema.
var ParamTypes = map[string]bool{
	"string":  true,
	"integer": true,
	"number":  true,
	"boolean": true,
	"array":   true,
	"object":  true,
}

// typeAliases maps accepted spellings onto canonical type names.
var typeAliases = map[string]string{
	"int":   "integer",
	"float": "number",
	"bool":  "boolean",
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Parameter describes one tool parameter.
type Parameter struct {
	Name        string
	Type        string
	Required    bool
	Default     string // string-encoded; empty when HasDefault is false
	HasDefault  bool
	Description string
}

// Tool describes one advertised tool and the symbol implementing it.
type Tool struct {
	Name        string
	Description string
	Handler     string // module-level symbol name
	Parameters  []Parameter
}

// Descriptor is the metadata of a loaded extension.
type Descriptor struct {
	Name        string
	Version     string
	Description string
	AllowedExec []string
	Tools       []Tool
}

// extractDescriptor converts the dict returned by describe_extension() into
// a Descriptor.
func extractDescriptor(v starlark.Value) (*Descriptor, error) {
	ext, ok := v.(starlark.Mapping)
	if !ok {
		return nil, fmt.Errorf("%w: describe_extension() returned %s, want Extension(...)", ErrBadDescriptor, v.Type())
	}

	d := &Descriptor{}
	var err error
	if d.Name, err = stringField(ext, "name"); err != nil {
		return nil, err
	}
	if d.Version, err = stringField(ext, "version"); err != nil {
		return nil, err
	}
	if d.Description, err = stringField(ext, "description"); err != nil {
		return nil, err
	}

	if allowed, found, _ := ext.Get(starlark.String("allowed_exec")); found && allowed != starlark.None {
		iterable, ok := allowed.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%w: allowed_exec must be a list, got %s", ErrBadDescriptor, allowed.Type())
		}
		iter := iterable.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			s, ok := starlark.AsString(elem)
			if !ok {
				return nil, fmt.Errorf("%w: allowed_exec entries must be strings", ErrBadDescriptor)
			}
			d.AllowedExec = append(d.AllowedExec, s)
		}
	}

	toolsVal, found, _ := ext.Get(starlark.String("tools"))
	if !found || toolsVal == starlark.None {
		return nil, fmt.Errorf("%w: missing tools", ErrBadDescriptor)
	}
	toolsIter, ok := toolsVal.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("%w: tools must be a list, got %s", ErrBadDescriptor, toolsVal.Type())
	}

	iter := toolsIter.Iterate()
	defer iter.Done()
	var toolVal starlark.Value
	for iter.Next(&toolVal) {
		tool, err := extractTool(toolVal)
		if err != nil {
			return nil, err
		}
		d.Tools = append(d.Tools, *tool)
	}
	return d, nil
}

func extractTool(v starlark.Value) (*Tool, error) {
	m, ok := v.(starlark.Mapping)
	if !ok {
		return nil, fmt.Errorf("%w: tools entries must be Tool(...), got %s", ErrBadDescriptor, v.Type())
	}

	t := &Tool{}
	var err error
	if t.Name, err = stringField(m, "name"); err != nil {
		return nil, err
	}
	if t.Description, err = stringField(m, "description"); err != nil {
		return nil, err
	}

	handler, found, _ := m.Get(starlark.String("handler"))
	if !found {
		return nil, fmt.Errorf("%w: tool %q missing handler", ErrBadDescriptor, t.Name)
	}
	callable, ok := handler.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%w: tool %q handler must be a function, got %s", ErrBadDescriptor, t.Name, handler.Type())
	}
	t.Handler = callable.Name()

	if params, found, _ := m.Get(starlark.String("parameters")); found && params != starlark.None {
		iterable, ok := params.(starlark.Iterable)
		if !ok {
			return nil, fmt.Errorf("%w: tool %q parameters must be a list", ErrBadDescriptor, t.Name)
		}
		iter := iterable.Iterate()
		defer iter.Done()
		var paramVal starlark.Value
		for iter.Next(&paramVal) {
			p, err := extractParameter(t.Name, paramVal)
			if err != nil {
				return nil, err
			}
			t.Parameters = append(t.Parameters, *p)
		}
	}
	return t, nil
}

func extractParameter(tool string, v starlark.Value) (*Parameter, error) {
	m, ok := v.(starlark.Mapping)
	if !ok {
		return nil, fmt.Errorf("%w: tool %q parameters must be ToolParameter(...)", ErrBadDescriptor, tool)
	}

	p := &Parameter{}
	var err error
	if p.Name, err = stringField(m, "name"); err != nil {
		return nil, err
	}
	if p.Type, err = stringField(m, "type"); err != nil {
		return nil, err
	}
	if canonical, ok := typeAliases[p.Type]; ok {
		p.Type = canonical
	}

	req, found, _ := m.Get(starlark.String("required"))
	if found {
		b, ok := req.(starlark.Bool)
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q required must be a bool", ErrBadDescriptor, p.Name)
		}
		p.Required = bool(b)
	}

	if def, found, _ := m.Get(starlark.String("default")); found && def != starlark.None {
		p.HasDefault = true
		if s, ok := starlark.AsString(def); ok {
			p.Default = s
		} else {
			p.Default = def.String()
		}
	}

	if desc, found, _ := m.Get(starlark.String("description")); found && desc != starlark.None {
		s, ok := starlark.AsString(desc)
		if !ok {
			return nil, fmt.Errorf("%w: parameter %q description must be a string", ErrBadDescriptor, p.Name)
		}
		p.Description = s
	}
	return p, nil
}

func stringField(m starlark.Mapping, key string) (string, error) {
	v, found, err := m.Get(starlark.String(key))
	if err != nil || !found {
		return "", fmt.Errorf("%w: missing %s", ErrBadDescriptor, key)
	}
	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %s", ErrBadDescriptor, key, v.Type())
	}
	return s, nil
}

// validate checks descriptor invariants against the frozen module that
// produced it.
func (d *Descriptor) validate(globals starlark.StringDict) error {
	if d.Name == "" {
		return fmt.Errorf("%w: empty extension name", ErrBadDescriptor)
	}

	seen := make(map[string]bool, len(d.Tools))
	for _, tool := range d.Tools {
		if tool.Name == "" {
			return fmt.Errorf("%w: empty tool name", ErrBadDescriptor)
		}
		if seen[tool.Name] {
			return fmt.Errorf("%w: %q", ErrDuplicateTool, tool.Name)
		}
		seen[tool.Name] = true

		sym, ok := globals[tool.Handler]
		if !ok {
			return fmt.Errorf("%w: tool %q handler %q", ErrUnresolvedSymbol, tool.Name, tool.Handler)
		}
		if _, ok := sym.(starlark.Callable); !ok {
			return fmt.Errorf("%w: tool %q handler %q is %s", ErrUnresolvedSymbol, tool.Name, tool.Handler, sym.Type())
		}

		paramSeen := make(map[string]bool, len(tool.Parameters))
		for _, p := range tool.Parameters {
			if !identifier.MatchString(p.Name) {
				return fmt.Errorf("%w: tool %q parameter %q is not a valid identifier", ErrBadDescriptor, tool.Name, p.Name)
			}
			if paramSeen[p.Name] {
				return fmt.Errorf("%w: tool %q parameter %q declared twice", ErrBadDescriptor, tool.Name, p.Name)
			}
			paramSeen[p.Name] = true
			if !ParamTypes[p.Type] {
				return fmt.Errorf("%w: tool %q parameter %q has unknown type %q", ErrBadDescriptor, tool.Name, p.Name, p.Type)
			}
		}
	}
	return nil
}
