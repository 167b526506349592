// Package schema provides a declarative schema model with a stable,
// id-addressable registry used for input validation and JSON Schema
// generation across all protocol adapters.
package schema

import (
	"errors"
	"fmt"
	"sort"
)

// MaxDepth bounds schema nesting during JSON Schema generation. Schemas are
// declarative trees; anything deeper than this is treated as a declaration
// error rather than traversed further.
const MaxDepth = 32

// ErrTooDeep is returned when a schema exceeds MaxDepth during conversion.
var ErrTooDeep = errors.New("schema exceeds maximum nesting depth")

// Kind identifies the shape a Schema describes.
type Kind string

// Supported schema kinds.
const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindInteger Kind = "integer"
	KindBoolean Kind = "boolean"
	KindAny     Kind = "any"
	KindEnum    Kind = "enum"
	KindObject  Kind = "object"
	KindArray   Kind = "array"
	KindTuple   Kind = "tuple"
	KindUnion   Kind = "union"
	KindMap     Kind = "map"
)

// Schema is a declarative description of a valid value shape. Schemas are
// built once at declaration time and are not mutated afterwards.
type Schema struct {
	kind        Kind
	description string
	optional    bool
	nullable    bool
	defaultVal  any
	hasDefault  bool
	enumValues  []string
	properties  map[string]*Schema
	element     *Schema   // array element or map value
	items       []*Schema // tuple positions
	variants    []*Schema // union alternatives
}

// String declares a string schema.
func String() *Schema { return &Schema{kind: KindString} }

// Number declares a floating-point number schema.
func Number() *Schema { return &Schema{kind: KindNumber} }

// Integer declares an integer schema.
func Integer() *Schema { return &Schema{kind: KindInteger} }

// Boolean declares a boolean schema.
func Boolean() *Schema { return &Schema{kind: KindBoolean} }

// Any declares a schema that accepts any value.
func Any() *Schema { return &Schema{kind: KindAny} }

// Enum declares a string schema restricted to the given values.
func Enum(values ...string) *Schema {
	return &Schema{kind: KindEnum, enumValues: values}
}

// Object declares an object schema with the given named properties.
// Properties are required unless marked Optional.
func Object(properties map[string]*Schema) *Schema {
	return &Schema{kind: KindObject, properties: properties}
}

// Array declares an array schema whose elements match the given schema.
func Array(element *Schema) *Schema {
	return &Schema{kind: KindArray, element: element}
}

// Tuple declares a fixed-length array schema with per-position schemas.
func Tuple(items ...*Schema) *Schema {
	return &Schema{kind: KindTuple, items: items}
}

// Union declares a schema matched by any one of the given variants.
func Union(variants ...*Schema) *Schema {
	return &Schema{kind: KindUnion, variants: variants}
}

// Map declares an object schema with arbitrary string keys whose values
// match the given schema.
func Map(value *Schema) *Schema {
	return &Schema{kind: KindMap, element: value}
}

// Describe attaches a human-readable description.
func (s *Schema) Describe(description string) *Schema {
	s.description = description
	return s
}

// Optional marks an object property as not required.
func (s *Schema) Optional() *Schema {
	s.optional = true
	return s
}

// Nullable allows an explicit null in place of the declared type.
func (s *Schema) Nullable() *Schema {
	s.nullable = true
	return s
}

// Default sets a default value, applied to missing object properties before
// validation. A property with a default is implicitly optional.
func (s *Schema) Default(value any) *Schema {
	s.defaultVal = value
	s.hasDefault = true
	s.optional = true
	return s
}

// Kind returns the schema's kind.
func (s *Schema) Kind() Kind { return s.kind }

// JSONSchema converts the schema to a JSON Schema (draft 2020-12) document.
// It fails with ErrTooDeep if nesting exceeds MaxDepth.
func (s *Schema) JSONSchema() (map[string]any, error) {
	return s.jsonSchema(0)
}

func (s *Schema) jsonSchema(depth int) (map[string]any, error) {
	if depth > MaxDepth {
		return nil, ErrTooDeep
	}

	doc := make(map[string]any)
	if s.description != "" {
		doc["description"] = s.description
	}
	if s.hasDefault {
		doc["default"] = s.defaultVal
	}

	switch s.kind {
	case KindString, KindNumber, KindInteger, KindBoolean:
		doc["type"] = s.typeName(string(s.kind))

	case KindAny:
		// No constraint.

	case KindEnum:
		doc["type"] = s.typeName("string")
		doc["enum"] = s.enumValues

	case KindObject:
		doc["type"] = s.typeName("object")
		props := make(map[string]any, len(s.properties))
		var required []string
		for name, prop := range s.properties {
			propDoc, err := prop.jsonSchema(depth + 1)
			if err != nil {
				return nil, err
			}
			props[name] = propDoc
			if !prop.optional {
				required = append(required, name)
			}
		}
		doc["properties"] = props
		doc["additionalProperties"] = false
		if len(required) > 0 {
			sort.Strings(required)
			doc["required"] = required
		}

	case KindArray:
		doc["type"] = s.typeName("array")
		elemDoc, err := s.element.jsonSchema(depth + 1)
		if err != nil {
			return nil, err
		}
		doc["items"] = elemDoc

	case KindTuple:
		doc["type"] = s.typeName("array")
		prefix := make([]any, 0, len(s.items))
		for _, item := range s.items {
			itemDoc, err := item.jsonSchema(depth + 1)
			if err != nil {
				return nil, err
			}
			prefix = append(prefix, itemDoc)
		}
		doc["prefixItems"] = prefix
		doc["items"] = false
		doc["minItems"] = len(s.items)
		doc["maxItems"] = len(s.items)

	case KindMap:
		doc["type"] = s.typeName("object")
		valueDoc, err := s.element.jsonSchema(depth + 1)
		if err != nil {
			return nil, err
		}
		doc["additionalProperties"] = valueDoc

	case KindUnion:
		alternatives := make([]any, 0, len(s.variants))
		for _, variant := range s.variants {
			variantDoc, err := variant.jsonSchema(depth + 1)
			if err != nil {
				return nil, err
			}
			alternatives = append(alternatives, variantDoc)
		}
		if s.nullable {
			alternatives = append(alternatives, map[string]any{"type": "null"})
		}
		doc["anyOf"] = alternatives

	default:
		return nil, fmt.Errorf("unsupported schema kind: %s", s.kind)
	}

	return doc, nil
}

// typeName returns the JSON Schema type for the schema, widened to include
// null when the schema is nullable.
func (s *Schema) typeName(base string) any {
	if s.nullable {
		return []string{base, "null"}
	}
	return base
}

// ApplyDefaults fills declared defaults into missing properties of the given
// object value, recursing into nested objects. Non-object schemas and
// non-object values pass through unchanged.
func (s *Schema) ApplyDefaults(value any) any {
	if s.kind != KindObject {
		return value
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return value
	}
	for name, prop := range s.properties {
		current, present := obj[name]
		if !present {
			if prop.hasDefault {
				obj[name] = prop.defaultVal
			}
			continue
		}
		if prop.kind == KindObject {
			obj[name] = prop.ApplyDefaults(current)
		}
	}
	return obj
}
