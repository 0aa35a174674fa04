package workflow

import (
	"fmt"

	"github.com/flowline-dev/flowline/record"
)

// StepType declares one position in a sequential definition: the registry
// slug to invoke and the schemas its input and output must satisfy.
type StepType struct {
	Slug   string
	Input  record.Schema
	Output record.Schema
}

// Definition is an ordered, immutable list of step types. Definitions are
// code, not data: they are declared at startup and identified by slug.
type Definition struct {
	slug  string
	steps []StepType
}

// NewDefinition declares a sequential definition. It returns an error for an
// empty slug, an empty step list, or a duplicated step slug — step slugs key
// idempotent materialization and must be unique within a definition.
func NewDefinition(slug string, steps ...StepType) (*Definition, error) {
	if slug == "" {
		return nil, fmt.Errorf("workflow: definition slug is empty")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow: definition %q has no steps", slug)
	}
	seen := make(map[string]struct{}, len(steps))
	for _, st := range steps {
		if st.Slug == "" {
			return nil, fmt.Errorf("workflow: definition %q has a step with an empty slug", slug)
		}
		if _, dup := seen[st.Slug]; dup {
			return nil, fmt.Errorf("workflow: definition %q repeats step slug %q", slug, st.Slug)
		}
		seen[st.Slug] = struct{}{}
	}
	return &Definition{slug: slug, steps: steps}, nil
}

// MustDefinition is like NewDefinition but panics on error. Use for
// definitions declared at init time.
func MustDefinition(slug string, steps ...StepType) *Definition {
	d, err := NewDefinition(slug, steps...)
	if err != nil {
		panic(err)
	}
	return d
}

// Slug returns the definition's identifier.
func (d *Definition) Slug() string { return d.slug }

// Steps returns the ordered step types.
func (d *Definition) Steps() []StepType { return d.steps }
