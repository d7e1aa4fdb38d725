package executor

import (
	"github.com/openfroyo/froyo-agent/pkg/backend"
)

// serializeOutputs drops nil outputs and serializes the rest.
func serializeOutputs(outputs []any) []any {
	result := make([]any, 0, len(outputs))
	for _, obj := range outputs {
		if obj == nil {
			continue
		}
		result = append(result, serializeObject(obj))
	}
	return result
}

// serializeObject renders one output object for the result document.
// Records become maps of stringified properties; sequences and maps are
// serialized element-wise; anything else is kept as is.
func serializeObject(obj any) any {
	switch v := obj.(type) {
	case backend.Record:
		props := make(map[string]string)
		for _, name := range v.Properties() {
			if s, ok := tryProperty(v, name); ok {
				props[name] = s
			}
		}
		return props
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = serializeObject(item)
		}
		return items
	case map[string]any:
		fields := make(map[string]any, len(v))
		for k, item := range v {
			fields[k] = serializeObject(item)
		}
		return fields
	default:
		return obj
	}
}

// tryProperty stringifies one property, reporting false when it cannot be
// read. A panicking property reads as missing.
func tryProperty(r backend.Record, name string) (s string, ok bool) {
	defer func() {
		if recover() != nil {
			s, ok = "", false
		}
	}()

	s, err := r.Property(name)
	if err != nil {
		return "", false
	}
	return s, true
}
