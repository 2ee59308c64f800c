// testing.go defines the assertion module injected only in test mode.
// Assertion failures are raised as errors carrying the message, which the
// test runner reports against the failing test_ function.

package capability

import (
	"fmt"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func testingModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "testing",
		Members: starlark.StringDict{
			"eq":       starlark.NewBuiltin("eq", testingEq),
			"ne":       starlark.NewBuiltin("ne", testingNe),
			"is_true":  starlark.NewBuiltin("is_true", testingIsTrue),
			"is_false": starlark.NewBuiltin("is_false", testingIsFalse),
			"contains": starlark.NewBuiltin("contains", testingContains),
			"fail":     starlark.NewBuiltin("fail", testingFail),
		},
	}
}

func assertionError(message, fallback string) error {
	if message != "" {
		return fmt.Errorf("%s", message)
	}
	return fmt.Errorf("%s", fallback)
}

func testingEq(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var expected, actual starlark.Value
	var message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "expected", &expected, "actual", &actual, "message?", &message); err != nil {
		return nil, err
	}
	eq, err := starlark.Equal(expected, actual)
	if err != nil {
		return nil, fmt.Errorf("testing.eq: comparing values: %w", err)
	}
	if !eq {
		return nil, assertionError(message,
			fmt.Sprintf("assertion failed: expected %s, got %s", expected.String(), actual.String()))
	}
	return starlark.None, nil
}

func testingNe(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var expected, actual starlark.Value
	var message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "expected", &expected, "actual", &actual, "message?", &message); err != nil {
		return nil, err
	}
	eq, err := starlark.Equal(expected, actual)
	if err != nil {
		return nil, fmt.Errorf("testing.ne: comparing values: %w", err)
	}
	if eq {
		return nil, assertionError(message,
			fmt.Sprintf("assertion failed: expected values to differ, both are %s", actual.String()))
	}
	return starlark.None, nil
}

func testingIsTrue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	var message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "message?", &message); err != nil {
		return nil, err
	}
	if !bool(value.Truth()) {
		return nil, assertionError(message,
			fmt.Sprintf("assertion failed: expected truthy value, got %s", value.String()))
	}
	return starlark.None, nil
}

func testingIsFalse(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var value starlark.Value
	var message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "value", &value, "message?", &message); err != nil {
		return nil, err
	}
	if bool(value.Truth()) {
		return nil, assertionError(message,
			fmt.Sprintf("assertion failed: expected falsy value, got %s", value.String()))
	}
	return starlark.None, nil
}

func testingContains(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var container, item starlark.Value
	var message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "container", &container, "item", &item, "message?", &message); err != nil {
		return nil, err
	}

	found, err := valueContains(container, item)
	if err != nil {
		return nil, fmt.Errorf("testing.contains: %w", err)
	}
	if !found {
		return nil, assertionError(message,
			fmt.Sprintf("assertion failed: %s does not contain %s", container.String(), item.String()))
	}
	return starlark.None, nil
}

func testingFail(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "message", &message); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%s", message)
}

// valueContains implements membership for strings (substring), mappings
// (key), and iterables (element equality).
func valueContains(container, item starlark.Value) (bool, error) {
	if s, ok := starlark.AsString(container); ok {
		sub, ok := starlark.AsString(item)
		if !ok {
			return false, fmt.Errorf("cannot search %s in a string", item.Type())
		}
		return strings.Contains(s, sub), nil
	}
	if m, ok := container.(starlark.Mapping); ok {
		_, found, err := m.Get(item)
		return found, err
	}
	if iterable, ok := container.(starlark.Iterable); ok {
		iter := iterable.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			eq, err := starlark.Equal(elem, item)
			if err != nil {
				return false, err
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("container must be a string, list, or dict, got %s", container.Type())
}
