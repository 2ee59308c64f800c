package bridge

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func TestDecode_Scalars(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want starlark.Value
	}{
		{"null", `null`, starlark.None},
		{"true", `true`, starlark.Bool(true)},
		{"false", `false`, starlark.Bool(false)},
		{"integer", `42`, starlark.MakeInt(42)},
		{"negative integer", `-123`, starlark.MakeInt(-123)},
		{"float", `3.14`, starlark.Float(3.14)},
		{"exponent", `1e3`, starlark.Float(1000)},
		{"string", `"hello"`, starlark.String("hello")},
		{"empty string", `""`, starlark.String("")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.in))
			require.NoError(t, err)
			eq, err := starlark.Equal(got, tc.want)
			require.NoError(t, err)
			assert.True(t, eq, "Decode(%s) = %s, want %s", tc.in, got, tc.want)
		})
	}
}

func TestDecode_LargeInteger(t *testing.T) {
	got, err := Decode([]byte(`9223372036854775807`))
	require.NoError(t, err)

	i, ok := got.(starlark.Int)
	require.True(t, ok, "expected starlark.Int, got %T", got)
	v, ok := i.Int64()
	require.True(t, ok)
	assert.Equal(t, int64(9223372036854775807), v)
}

func TestDecode_ObjectOrderPreserved(t *testing.T) {
	got, err := Decode([]byte(`{"zebra": 1, "apple": 2, "mango": 3}`))
	require.NoError(t, err)

	d, ok := got.(*starlark.Dict)
	require.True(t, ok)

	var keys []string
	for _, k := range d.Keys() {
		keys = append(keys, string(k.(starlark.String)))
	}
	assert.Equal(t, []string{"zebra", "apple", "mango"}, keys)
}

func TestDecode_Malformed(t *testing.T) {
	for _, in := range []string{``, `{`, `[1,]`, `{"a":}`, `1 2`} {
		_, err := Decode([]byte(in))
		assert.Error(t, err, "Decode(%q) should fail", in)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []string{
		`null`,
		`true`,
		`42`,
		`-7`,
		`2.5`,
		`"text"`,
		`[]`,
		`[1,"two",true,null]`,
		`{}`,
		`{"a":1,"b":[1,2,3],"c":{"nested":true}}`,
		`{"content":[{"type":"text","text":"hi"}],"isError":false}`,
	}

	for _, in := range tests {
		t.Run(in, func(t *testing.T) {
			v, err := Decode([]byte(in))
			require.NoError(t, err)
			out, err := Encode(v)
			require.NoError(t, err)
			assert.JSONEq(t, in, string(out))
		})
	}
}

func TestEncode_DictOrderPreserved(t *testing.T) {
	d := starlark.NewDict(2)
	require.NoError(t, d.SetKey(starlark.String("z"), starlark.MakeInt(1)))
	require.NoError(t, d.SetKey(starlark.String("a"), starlark.MakeInt(2)))

	out, err := Encode(d)
	require.NoError(t, err)
	assert.Equal(t, `{"z":1,"a":2}`, string(out))
}

func TestEncode_UnsupportedBecomesNull(t *testing.T) {
	fn := starlark.NewBuiltin("f", func(_ *starlark.Thread, _ *starlark.Builtin, _ starlark.Tuple, _ []starlark.Tuple) (starlark.Value, error) {
		return starlark.None, nil
	})

	out, err := Encode(fn)
	require.NoError(t, err)
	assert.Equal(t, `null`, string(out))

	l := starlark.NewList([]starlark.Value{starlark.MakeInt(1), fn})
	out, err = Encode(l)
	require.NoError(t, err)
	assert.Equal(t, `[1,null]`, string(out))
}

func TestFromGo_ArgumentMap(t *testing.T) {
	// The shapes encoding/json hands us for a tools/call arguments object.
	args := map[string]any{
		"message": "hi",
		"count":   float64(3),
		"ratio":   2.5,
		"flags":   []any{true, false},
		"nested":  map[string]any{"k": nil},
	}

	v, err := FromGo(args)
	require.NoError(t, err)

	d, ok := v.(*starlark.Dict)
	require.True(t, ok)

	count, found, err := d.Get(starlark.String("count"))
	require.NoError(t, err)
	require.True(t, found)
	_, isInt := count.(starlark.Int)
	assert.True(t, isInt, "whole float64 should convert to starlark.Int, got %T", count)

	ratio, _, err := d.Get(starlark.String("ratio"))
	require.NoError(t, err)
	_, isFloat := ratio.(starlark.Float)
	assert.True(t, isFloat, "fractional float64 should stay a float, got %T", ratio)
}

func TestToGo(t *testing.T) {
	v, err := Decode([]byte(`{"a":[1,2.5,"x",null],"b":true}`))
	require.NoError(t, err)

	got := ToGo(v)
	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["b"])
	arr, ok := m["a"].([]any)
	require.True(t, ok)
	assert.Equal(t, int64(1), arr[0])
	assert.Equal(t, 2.5, arr[1])
	assert.Equal(t, "x", arr[2])
	assert.Nil(t, arr[3])
}

func TestToGo_NumberFidelity(t *testing.T) {
	n := json.Number("9007199254740993") // 2^53+1: not representable as float64
	v, err := FromGo(n)
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), ToGo(v))
}
