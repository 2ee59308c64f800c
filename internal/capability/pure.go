// pure.go defines the non-blocking capability modules: time, env, math, and
// json. None of these suspend; they are safe to call anywhere, including at
// module load time.

package capability

import (
	"fmt"
	"math"
	"os"
	"time"

	"go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

func timeModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "time",
		Members: starlark.StringDict{
			"now": starlark.NewBuiltin("now", timeNow),
		},
	}
}

// timeNow returns wall-clock seconds since the Unix epoch. Scripts use it
// as a pseudo-random seed; no monotonicity is promised.
func timeNow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	return starlark.MakeInt64(time.Now().Unix()), nil
}

func envModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "env",
		Members: starlark.StringDict{
			"get": starlark.NewBuiltin("get", envGet),
		},
	}
}

// envGet looks up an environment variable, returning the default (empty
// string unless given) when unset. Never fails.
func envGet(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, def string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
		return nil, err
	}
	if v, ok := os.LookupEnv(name); ok {
		return starlark.String(v), nil
	}
	return starlark.String(def), nil
}

// jsonModule exposes encode/decode/indent from the starlark-go json library.
// decode fails with a parse error on invalid input, which handlers may catch
// or let propagate.
func jsonModule() *starlarkstruct.Module {
	return json.Module
}

func mathModule() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "math",
		Members: starlark.StringDict{
			"pow":   starlark.NewBuiltin("pow", mathPow),
			"sqrt":  starlark.NewBuiltin("sqrt", mathSqrt),
			"ceil":  starlark.NewBuiltin("ceil", mathCeil),
			"floor": starlark.NewBuiltin("floor", mathFloor),
			"round": starlark.NewBuiltin("round", mathRound),
			"abs":   starlark.NewBuiltin("abs", mathAbs),
			"pi":    starlark.Float(math.Pi),
			"e":     starlark.Float(math.E),
		},
	}
}

func mathPow(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv, yv starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv, "y", &yv); err != nil {
		return nil, err
	}
	x, err := asFloat("math.pow", xv)
	if err != nil {
		return nil, err
	}
	y, err := asFloat("math.pow", yv)
	if err != nil {
		return nil, err
	}
	return starlark.Float(math.Pow(x, y)), nil
}

func mathSqrt(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv); err != nil {
		return nil, err
	}
	x, err := asFloat("math.sqrt", xv)
	if err != nil {
		return nil, err
	}
	if x < 0 {
		return nil, fmt.Errorf("math domain error: sqrt of negative number")
	}
	return starlark.Float(math.Sqrt(x)), nil
}

func mathCeil(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv); err != nil {
		return nil, err
	}
	if i, ok := xv.(starlark.Int); ok {
		return i, nil
	}
	x, err := asFloat("math.ceil", xv)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(int64(math.Ceil(x))), nil
}

func mathFloor(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv); err != nil {
		return nil, err
	}
	if i, ok := xv.(starlark.Int); ok {
		return i, nil
	}
	x, err := asFloat("math.floor", xv)
	if err != nil {
		return nil, err
	}
	return starlark.MakeInt64(int64(math.Floor(x))), nil
}

func mathRound(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv starlark.Value
	var decimals int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv, "decimals?", &decimals); err != nil {
		return nil, err
	}
	if decimals < 0 {
		return nil, fmt.Errorf("math.round: decimals must be non-negative")
	}
	x, err := asFloat("math.round", xv)
	if err != nil {
		return nil, err
	}
	if decimals == 0 {
		return starlark.Float(math.Round(x)), nil
	}
	mult := math.Pow(10, float64(decimals))
	return starlark.Float(math.Round(x*mult) / mult), nil
}

func mathAbs(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var xv starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xv); err != nil {
		return nil, err
	}
	x, err := asFloat("math.abs", xv)
	if err != nil {
		return nil, err
	}
	return starlark.Float(math.Abs(x)), nil
}
