package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Values flowing through a pipeline use the kinds encoding/json produces:
// nil, bool, float64, string, []interface{} and map[string]interface{}.

// Normalize converts an arbitrary Go value into its JSON-kind representation
func Normalize(v interface{}) (interface{}, error) {
	switch v.(type) {
	case nil, bool, float64, string:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

// Clone returns a deep copy of a JSON-kind value
func Clone(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = Clone(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = Clone(item)
		}
		return out
	default:
		return v
	}
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// GetPath reads a dot-delimited path. Numeric segments index into arrays.
func GetPath(data interface{}, path string) (interface{}, bool) {
	current := data
	for _, part := range splitPath(path) {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// HasPath reports whether a value exists at path
func HasPath(data interface{}, path string) bool {
	_, ok := GetPath(data, path)
	return ok
}

// SetPath writes value at path, creating intermediate objects as needed.
// data must be an object; it is modified in place.
func SetPath(data interface{}, path string, value interface{}) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("empty path")
	}
	current, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf("cannot set %q on non-object value", path)
	}
	for _, part := range parts[:len(parts)-1] {
		next, exists := current[part]
		child, isMap := next.(map[string]interface{})
		if !exists || !isMap {
			if exists && next != nil {
				return fmt.Errorf("cannot set %q: %q is not an object", path, part)
			}
			child = make(map[string]interface{})
			current[part] = child
		}
		current = child
	}
	current[parts[len(parts)-1]] = value
	return nil
}

// DeletePath removes the value at path, if present
func DeletePath(data interface{}, path string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	parent := data
	if len(parts) > 1 {
		var ok bool
		parent, ok = GetPath(data, strings.Join(parts[:len(parts)-1], "."))
		if !ok {
			return
		}
	}
	if m, ok := parent.(map[string]interface{}); ok {
		delete(m, parts[len(parts)-1])
	}
}

// toFloat64 converts interface to float64
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// toString renders scalars the way a template would; composites become JSON
func toString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// truthy mirrors loose truthiness: zero values and empty strings are false
func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	default:
		if f, ok := toFloat64(v); ok {
			return f != 0
		}
		return true
	}
}

// sizeOf returns the serialized JSON size of v in bytes
func sizeOf(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
