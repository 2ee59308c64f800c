// Package bridge converts between JSON values and Starlark values.
//
// The conversion is total in the Starlark-to-JSON direction: values with no
// JSON equivalent (functions, capability module handles) become null rather
// than failing, so a handler returning an odd shape still produces a
// well-formed tool result. The JSON-to-Starlark direction fails only on
// malformed input at the decode edge.
//
// Decode preserves JSON object key order by walking the token stream instead
// of round-tripping through a Go map. Encode writes dicts in insertion order.
package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"go.starlark.net/starlark"
)

// Decode converts a JSON document to a Starlark value. Object key order is
// preserved in the resulting dicts.
func Decode(data []byte) (starlark.Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}

	// Trailing garbage after the first document is malformed input.
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode json: unexpected trailing data")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (starlark.Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return decodeToken(dec, tok)
}

func decodeToken(dec *json.Decoder, tok json.Token) (starlark.Value, error) {
	switch t := tok.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case string:
		return starlark.String(t), nil
	case json.Number:
		return numberValue(t)
	case json.Delim:
		switch t {
		case '[':
			var elems []starlark.Value
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				elems = append(elems, v)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, fmt.Errorf("decode json: %w", err)
			}
			return starlark.NewList(elems), nil
		case '{':
			d := starlark.NewDict(0)
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("decode json: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("decode json: object key is not a string")
				}
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				if err := d.SetKey(starlark.String(key), v); err != nil {
					return nil, fmt.Errorf("decode json: %w", err)
				}
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, fmt.Errorf("decode json: %w", err)
			}
			return d, nil
		}
	}
	return nil, fmt.Errorf("decode json: unexpected token %v", tok)
}

// numberValue maps a JSON number to starlark.Int when it is integral and
// fits a signed 64-bit value, starlark.Float otherwise.
func numberValue(n json.Number) (starlark.Value, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("decode json: invalid number %q: %w", s, err)
	}
	return starlark.Float(f), nil
}

// Encode converts a Starlark value to a JSON document. Dict insertion order
// is preserved. Values without a JSON equivalent encode as null.
func Encode(v starlark.Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v starlark.Value) error {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		buf.WriteString("null")
	case starlark.Bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case starlark.Int:
		buf.WriteString(val.String())
	case starlark.Float:
		return encodeFloat(buf, float64(val))
	case starlark.String:
		return encodeString(buf, string(val))
	case starlark.IterableMapping:
		buf.WriteByte('{')
		for i, item := range val.Items() {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, dictKeyString(item[0])); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, item[1]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case starlark.Iterable:
		buf.WriteByte('[')
		iter := val.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for i := 0; iter.Next(&elem); i++ {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		// Callables, module handles, and other opaque values.
		buf.WriteString("null")
	}
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode float: %w", err)
	}
	buf.Write(data)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode string: %w", err)
	}
	buf.Write(data)
	return nil
}

func dictKeyString(k starlark.Value) string {
	if s, ok := starlark.AsString(k); ok {
		return s
	}
	return k.String()
}

// FromGo converts a decoded Go JSON value (the shapes produced by
// encoding/json: nil, bool, float64, json.Number, string, []any,
// map[string]any) to a Starlark value. Map keys are emitted in sorted order
// since Go maps carry no insertion order.
func FromGo(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case json.Number:
		return numberValue(val)
	case float64:
		if val == math.Trunc(val) && val >= math.MinInt64 && val <= math.MaxInt64 {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case []any:
		elems := make([]starlark.Value, 0, len(val))
		for _, e := range val {
			sv, err := FromGo(e)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := FromGo(val[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to starlark value", v)
	}
}

// ToGo converts a Starlark value to a Go JSON value (nil, bool, int64,
// float64, string, []any, map[string]any). Values without a JSON equivalent
// become nil.
func ToGo(v starlark.Value) any {
	switch val := v.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.Int:
		if i, ok := val.Int64(); ok {
			return i
		}
		f, _ := starlark.AsFloat(val)
		return f
	case starlark.Float:
		return float64(val)
	case starlark.String:
		return string(val)
	case starlark.IterableMapping:
		m := make(map[string]any)
		for _, item := range val.Items() {
			m[dictKeyString(item[0])] = ToGo(item[1])
		}
		return m
	case starlark.Iterable:
		var elems []any
		iter := val.Iterate()
		defer iter.Done()
		var elem starlark.Value
		for iter.Next(&elem) {
			elems = append(elems, ToGo(elem))
		}
		if elems == nil {
			return []any{}
		}
		return elems
	default:
		return nil
	}
}
