package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSchemaValidation is wrapped by every schema failure
var ErrSchemaValidation = errors.New("schema validation failed")

// Schema validates a payload. Parse returns the (possibly coerced) data or an
// error wrapping ErrSchemaValidation.
type Schema interface {
	Parse(data interface{}) (interface{}, error)
}

// SchemaFunc adapts a plain function to Schema
type SchemaFunc func(data interface{}) (interface{}, error)

// Parse calls f(data)
func (f SchemaFunc) Parse(data interface{}) (interface{}, error) {
	return f(data)
}

// JSONSchema is a compiled JSON Schema document
type JSONSchema struct {
	source   interface{}
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema given as a decoded document
// (map[string]interface{}) or as raw JSON text/bytes.
func CompileSchema(doc interface{}) (*JSONSchema, error) {
	var text string
	switch d := doc.(type) {
	case string:
		text = d
	case []byte:
		text = string(d)
	default:
		normalized, err := Normalize(doc)
		if err != nil {
			return nil, fmt.Errorf("invalid schema document: %w", err)
		}
		data, err := json.Marshal(normalized)
		if err != nil {
			return nil, fmt.Errorf("invalid schema document: %w", err)
		}
		text = string(data)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(text)); err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	var source interface{}
	_ = json.Unmarshal([]byte(text), &source)
	return &JSONSchema{source: source, compiled: compiled}, nil
}

// MustCompileSchema is like CompileSchema but panics on error
func MustCompileSchema(doc interface{}) *JSONSchema {
	s, err := CompileSchema(doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse validates data against the schema and returns it unchanged
func (s *JSONSchema) Parse(data interface{}) (interface{}, error) {
	normalized, err := Normalize(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	if err := s.compiled.Validate(normalized); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaValidation, err)
	}
	return data, nil
}

// MarshalJSON emits the schema source document
func (s *JSONSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.source)
}
