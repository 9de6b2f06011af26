package guard

import (
	"fmt"
	"strings"
)

// FieldType is the JSON type a schema field must have.
type FieldType int

const (
	String FieldType = iota
	Number
	Bool
	StringList
	Any
)

func (t FieldType) String() string {
	switch t {
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "boolean"
	case StringList:
		return "array of strings"
	default:
		return "any"
	}
}

func (t FieldType) placeholder() string {
	switch t {
	case String:
		return `"<string>"`
	case Number:
		return "<number>"
	case Bool:
		return "<true|false>"
	case StringList:
		return `["<string>"]`
	default:
		return "<any>"
	}
}

// Field is one key of a Schema.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
}

// Schema is the expected shape of a model's JSON reply.
type Schema struct {
	Name   string
	Fields []Field
}

// Keys lists the field names in declaration order.
func (s Schema) Keys() []string {
	keys := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		keys[i] = f.Name
	}
	return keys
}

// Hint renders the schema as an example JSON object for prompts.
func (s Schema) Hint() string {
	var sb strings.Builder
	sb.WriteString("{")
	for i, f := range s.Fields {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%q: %s", f.Name, f.Type.placeholder())
	}
	sb.WriteString("}")
	return sb.String()
}

// Validate checks that obj carries every required field with the right type.
// Optional fields are checked only when present and non-null.
func (s Schema) Validate(obj map[string]any) error {
	for _, f := range s.Fields {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			if f.Optional {
				continue
			}
			return fmt.Errorf("missing required field %q", f.Name)
		}
		if !matches(f.Type, v) {
			return fmt.Errorf("field %q: want %s, got %T", f.Name, f.Type, v)
		}
	}
	return nil
}

func matches(t FieldType, v any) bool {
	switch t {
	case String:
		_, ok := v.(string)
		return ok
	case Number:
		_, ok := v.(float64)
		return ok
	case Bool:
		_, ok := v.(bool)
		return ok
	case StringList:
		items, ok := v.([]any)
		if !ok {
			return false
		}
		for _, item := range items {
			if _, ok := item.(string); !ok {
				return false
			}
		}
		return true
	default:
		return true
	}
}
