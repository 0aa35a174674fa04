// Package record implements typed, validated, serializable payloads used for
// every step's input and output.
//
// A Schema declares named fields with per-field kinds; FromMap constructs a
// Record from a plain map, failing closed on missing or malformed fields, and
// ToMap is total for any valid Record. The round-trip invariant holds for all
// valid records:
//
//	s.FromMap(r.ToMap()) == r
//
// Field checks are strict: a bool field rejects the string "true", an int
// field rejects "42". The single concession to JSON transport is that integer
// fields accept a float64 with a zero fractional part, because encoding/json
// decodes every number into float64.
package record

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/flowline-dev/flowline"
)

// Kind enumerates the supported field kinds.
type Kind string

const (
	KindString    Kind = "string"
	KindInt       Kind = "int"
	KindBool      Kind = "bool"
	KindUUID      Kind = "uuid"
	KindTimestamp Kind = "timestamp"
	KindEnum      Kind = "enum"
	KindList      Kind = "list"
)

// Field declares one named, typed slot in a Schema.
type Field struct {
	// Name is the map key for this field.
	Name string

	// Kind selects the validator applied to incoming values.
	Kind Kind

	// Optional fields may be absent from the input map. Required fields
	// (the default) fail construction when missing.
	Optional bool

	// Allowed lists the permitted values for KindEnum fields.
	Allowed []string

	// Elem is the element kind for KindList fields. Nested lists are not
	// supported.
	Elem Kind
}

// Schema is a named set of declared fields.
type Schema struct {
	Name   string
	Fields []Field
}

// NewSchema declares a schema. It panics on structural mistakes (duplicate
// field names, enum without allowed values, list without element kind) since
// schemas are built at registration time from code, not from input.
func NewSchema(name string, fields ...Field) Schema {
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, dup := seen[f.Name]; dup {
			panic(fmt.Sprintf("record: schema %s: duplicate field %q", name, f.Name))
		}
		seen[f.Name] = struct{}{}
		if f.Kind == KindEnum && len(f.Allowed) == 0 {
			panic(fmt.Sprintf("record: schema %s: enum field %q has no allowed values", name, f.Name))
		}
		if f.Kind == KindList && (f.Elem == "" || f.Elem == KindList) {
			panic(fmt.Sprintf("record: schema %s: list field %q needs a scalar element kind", name, f.Name))
		}
	}
	return Schema{Name: name, Fields: fields}
}

// Record is a validated instance of a Schema. The zero value is invalid;
// construct records through Schema.FromMap.
type Record struct {
	schema Schema
	values map[string]any
}

// Schema returns the schema this record was validated against.
func (r Record) Schema() Schema { return r.schema }

// FromMap validates data against the schema and returns a Record.
// Construction fails closed: a missing required field, an unknown field, or
// a value of the wrong type all return a *flowline.ValidationError.
func (s Schema) FromMap(data map[string]any) (Record, error) {
	declared := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		declared[f.Name] = f
	}

	for name := range data {
		if _, ok := declared[name]; !ok {
			return Record{}, &flowline.ValidationError{
				Schema: s.Name, Field: name, Reason: "undeclared field",
			}
		}
	}

	values := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		raw, present := data[f.Name]
		if !present || raw == nil {
			if f.Optional {
				continue
			}
			return Record{}, &flowline.ValidationError{
				Schema: s.Name, Field: f.Name, Reason: "missing required field",
			}
		}

		v, err := validate(f, raw)
		if err != nil {
			return Record{}, &flowline.ValidationError{
				Schema: s.Name, Field: f.Name, Reason: err.Error(),
			}
		}
		values[f.Name] = v
	}

	return Record{schema: s, values: values}, nil
}

// validate checks raw against the field's kind and returns the normalized
// value (UUIDs as uuid.UUID, timestamps as UTC time.Time, ints as int64).
func validate(f Field, raw any) (any, error) {
	switch f.Kind {
	case KindString:
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return v, nil

	case KindInt:
		return validateInt(raw)

	case KindBool:
		v, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return v, nil

	case KindUUID:
		switch v := raw.(type) {
		case uuid.UUID:
			return v, nil
		case string:
			u, err := uuid.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("invalid uuid: %w", err)
			}
			return u, nil
		default:
			return nil, fmt.Errorf("expected uuid, got %T", raw)
		}

	case KindTimestamp:
		switch v := raw.(type) {
		case time.Time:
			return v.UTC(), nil
		case string:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("invalid timestamp: %w", err)
			}
			return t.UTC(), nil
		default:
			return nil, fmt.Errorf("expected timestamp, got %T", raw)
		}

	case KindEnum:
		v, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected enum string, got %T", raw)
		}
		for _, allowed := range f.Allowed {
			if v == allowed {
				return v, nil
			}
		}
		return nil, fmt.Errorf("value %q not in allowed set %v", v, f.Allowed)

	case KindList:
		items, err := toSlice(raw)
		if err != nil {
			return nil, err
		}
		elem := Field{Name: f.Name, Kind: f.Elem, Allowed: f.Allowed}
		out := make([]any, len(items))
		for i, item := range items {
			v, elemErr := validate(elem, item)
			if elemErr != nil {
				return nil, fmt.Errorf("element %d: %w", i, elemErr)
			}
			out[i] = v
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unknown kind %q", f.Kind)
	}
}

func validateInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		// encoding/json decodes all numbers to float64; accept only
		// integral values.
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("expected integer, got fractional %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toSlice(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", raw)
	}
}

// ToMap serializes the record back into a plain map. It is total: it never
// fails for a record constructed through FromMap. UUIDs serialize to their
// canonical string form, timestamps to RFC 3339 with nanoseconds.
func (r Record) ToMap() map[string]any {
	out := make(map[string]any, len(r.values))
	for name, v := range r.values {
		out[name] = unstructure(v)
	}
	return out
}

func unstructure(v any) any {
	switch t := v.(type) {
	case uuid.UUID:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = unstructure(item)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two records have the same schema name and the same
// normalized values. Timestamps compare with time.Time.Equal.
func (r Record) Equal(other Record) bool {
	if r.schema.Name != other.schema.Name || len(r.values) != len(other.values) {
		return false
	}
	for name, v := range r.values {
		ov, ok := other.values[name]
		if !ok || !valueEqual(v, ov) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// ──────────────────────────────────────────────────
// Typed accessors
// ──────────────────────────────────────────────────

// Get returns the raw normalized value for a field.
func (r Record) Get(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

// String returns a string field's value, or "" if absent.
func (r Record) String(name string) string {
	v, _ := r.values[name].(string)
	return v
}

// Int returns an int field's value, or 0 if absent.
func (r Record) Int(name string) int64 {
	v, _ := r.values[name].(int64)
	return v
}

// Bool returns a bool field's value, or false if absent.
func (r Record) Bool(name string) bool {
	v, _ := r.values[name].(bool)
	return v
}

// UUID returns a uuid field's value, or uuid.Nil if absent.
func (r Record) UUID(name string) uuid.UUID {
	v, ok := r.values[name].(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return v
}

// Time returns a timestamp field's value, or the zero time if absent.
func (r Record) Time(name string) time.Time {
	v, _ := r.values[name].(time.Time)
	return v
}

// List returns a list field's elements, or nil if absent.
func (r Record) List(name string) []any {
	v, _ := r.values[name].([]any)
	return v
}
