package backend

import (
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// toStarlarkValue converts a plain Go value to a Starlark value.
func toStarlarkValue(v any) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []any:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value. Structs become
// Records; values with no Go counterpart become their string form.
func fromStarlarkValue(v starlark.Value) (any, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return val.String(), nil
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Bytes:
		return string(val), nil
	case *starlarkstruct.Struct:
		return structRecord{s: val}, nil
	case *starlark.Dict:
		dict := make(map[string]any, val.Len())
		for _, item := range val.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				key = item[0].String()
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[key] = value
		}
		return dict, nil
	case starlark.Iterable:
		iter := val.Iterate()
		defer iter.Done()

		list := []any{}
		var x starlark.Value
		for iter.Next(&x) {
			item, err := fromStarlarkValue(x)
			if err != nil {
				return nil, err
			}
			list = append(list, item)
		}
		return list, nil
	default:
		return v.String(), nil
	}
}

// structRecord exposes a Starlark struct as a Record.
type structRecord struct {
	s *starlarkstruct.Struct
}

func (r structRecord) Properties() []string {
	return r.s.AttrNames()
}

func (r structRecord) Property(name string) (string, error) {
	v, err := r.s.Attr(name)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("struct has no field %s", name)
	}

	switch val := v.(type) {
	case starlark.String:
		return string(val), nil
	case starlark.Callable:
		return "", fmt.Errorf("field %s is a function", name)
	default:
		return val.String(), nil
	}
}

func (r structRecord) String() string {
	return r.s.String()
}

// outputs turns a command's return value into output objects: a tuple is a
// sequence of outputs and None yields nothing.
func outputs(v starlark.Value) ([]any, error) {
	items := starlark.Tuple{v}
	if t, ok := v.(starlark.Tuple); ok {
		items = t
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		if item == nil || item == starlark.None {
			continue
		}
		goVal, err := fromStarlarkValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, goVal)
	}
	return out, nil
}
