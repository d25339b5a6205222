package sandbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
)

// =============================================================================
// BOUNDARY CONVERSION
// =============================================================================
//
// State crosses the sandbox boundary by value: JSON in, JSON out. Mappings
// convert to insertion-ordered Starlark dicts in sorted-key order so runs
// are deterministic, and canonical encoding sorts keys again on the way
// out.

// FromStarlark converts a Starlark value to a JSON-compatible Go value.
func FromStarlark(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, &NonJSONError{Message: fmt.Sprintf("integer too large: %s", val.String())}
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		return fromStarlarkSequence(val)
	case *starlark.List:
		elems := make([]starlark.Value, val.Len())
		for i := 0; i < val.Len(); i++ {
			elems[i] = val.Index(i)
		}
		return fromStarlarkSequence(elems)
	case *starlark.Dict:
		out := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, &NonJSONError{Message: fmt.Sprintf("mapping key is not a string: %s", item[0].Type())}
			}
			converted, err := FromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = converted
		}
		return out, nil
	default:
		return nil, &NonJSONError{Message: fmt.Sprintf("value of type %s is not JSON-serializable", v.Type())}
	}
}

func fromStarlarkSequence(elems []starlark.Value) ([]any, error) {
	out := make([]any, len(elems))
	for i, elem := range elems {
		converted, err := FromStarlark(elem)
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}

// ToStarlark converts a JSON-compatible Go value to a Starlark value.
// Mappings are populated in sorted key order.
func ToStarlark(v any) (starlark.Value, error) {
	switch val := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(val), nil
	case string:
		return starlark.String(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		return starlark.Float(val), nil
	case json.Number:
		if !strings.ContainsAny(string(val), ".eE") {
			if i, err := strconv.ParseInt(string(val), 10, 64); err == nil {
				return starlark.MakeInt64(i), nil
			}
		}
		f, err := val.Float64()
		if err != nil {
			return nil, &NonJSONError{Message: fmt.Sprintf("unparseable number: %s", val)}
		}
		return starlark.Float(f), nil
	case []any:
		elems := make([]starlark.Value, len(val))
		for i, elem := range val {
			converted, err := ToStarlark(elem)
			if err != nil {
				return nil, err
			}
			elems[i] = converted
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for key := range val {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, key := range keys {
			converted, err := ToStarlark(val[key])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, &NonJSONError{Message: fmt.Sprintf("unsupported value type %T", v)}
	}
}

// DecodeState parses raw JSON into a state map. The top-level value must be
// an object; numbers are kept exact via json.Number.
func DecodeState(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid state JSON: %w", err)
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("state must be a JSON object, got %T", v)
	}
	return obj, nil
}

// EncodeCanonical serializes a JSON-compatible value with sorted object
// keys and no insignificant whitespace.
func EncodeCanonical(v any) ([]byte, error) {
	return json.Marshal(v)
}
