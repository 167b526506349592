package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry errors.
var (
	// ErrDuplicateID is returned when an id is already bound to a
	// different schema instance.
	ErrDuplicateID = errors.New("schema id already registered")

	// ErrUnknownID is returned when resolving an id that was never
	// registered.
	ErrUnknownID = errors.New("unknown schema id")
)

// Meta carries human-facing information about a registered schema.
type Meta struct {
	Title       string
	Description string
	Category    string
}

// Record is a registered, stably-addressable schema together with its
// compiled validator and generated JSON Schema document. Records are created
// once and never mutated.
type Record struct {
	ID       string
	Schema   *Schema
	Meta     Meta
	doc      map[string]any
	compiled *jsonschema.Schema
}

// JSONSchema returns the JSON Schema document generated at registration time.
func (r *Record) JSONSchema() map[string]any { return r.doc }

// FieldError describes a single validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult collects the failures from validating a value.
type ValidationResult struct {
	Fields []FieldError
}

func (v *ValidationResult) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		if f.Path == "" {
			parts = append(parts, f.Message)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", f.Path, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validate checks the value against the record's schema, applying declared
// defaults to missing object properties first. It returns the value with
// defaults filled in, and a *ValidationResult error on failure.
func (r *Record) Validate(value any) (any, error) {
	value = r.Schema.ApplyDefaults(value)

	// The compiled validator operates on JSON-decoded values, so round-trip
	// anything that did not arrive through encoding/json.
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("input is not JSON-representable: %w", err)
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("input is not valid JSON: %w", err)
	}

	if err := r.compiled.Validate(decoded); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, &ValidationResult{Fields: collectFieldErrors(ve)}
		}
		return nil, err
	}
	return value, nil
}

// collectFieldErrors flattens a validation error tree into leaf failures
// keyed by instance path.
func collectFieldErrors(ve *jsonschema.ValidationError) []FieldError {
	if len(ve.Causes) == 0 {
		return []FieldError{{
			Path:    strings.Join(ve.InstanceLocation, "."),
			Message: ve.Error(),
		}}
	}
	var fields []FieldError
	for _, cause := range ve.Causes {
		fields = append(fields, collectFieldErrors(cause)...)
	}
	return fields
}

// Registry stores schemas under caller-assigned ids, decoupling schema
// identity from declaration-tree position. It is populated during startup
// and read-only afterwards, so concurrent lookups need no locking.
type Registry struct {
	records map[string]*Record
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register binds a schema to an id. Re-registering the identical schema
// instance under the same id is a no-op returning the existing record, so
// module re-evaluation stays tolerated; binding a different schema to a
// taken id fails with ErrDuplicateID.
func (r *Registry) Register(id string, s *Schema, meta Meta) (*Record, error) {
	if id == "" {
		return nil, errors.New("schema id must not be empty")
	}
	if existing, ok := r.records[id]; ok {
		if existing.Schema == s {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}

	doc, err := s.JSONSchema()
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", id, err)
	}
	compiled, err := compile(id, doc)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", id, err)
	}

	record := &Record{ID: id, Schema: s, Meta: meta, doc: doc, compiled: compiled}
	r.records[id] = record
	return record, nil
}

// Resolve returns the record bound to id, or ErrUnknownID.
func (r *Registry) Resolve(id string) (*Record, error) {
	record, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownID, id)
	}
	return record, nil
}

// JSONSchema returns the JSON Schema document for the schema bound to id.
func (r *Registry) JSONSchema(id string) (map[string]any, error) {
	record, err := r.Resolve(id)
	if err != nil {
		return nil, err
	}
	return record.doc, nil
}

// IDs returns all registered ids in lexicographic order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// compile builds a validator from the generated document. The document is
// round-tripped through JSON so the compiler sees canonical value types.
func compile(id string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema document: %w", err)
	}
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode schema document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	resource := id + ".json"
	if err := compiler.AddResource(resource, decoded); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}
