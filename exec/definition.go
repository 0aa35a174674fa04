package exec

import (
	"encoding/json"
	"fmt"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
)

// Item is one position in a definition or group: exactly one of a step
// reference or a nested group. The zero Item is invalid; use StepItem or
// GroupItem.
type Item struct {
	stepSlug string
	group    *Group
}

// StepItem returns an item referencing a registered step slug.
func StepItem(slug string) Item { return Item{stepSlug: slug} }

// GroupItem returns an item holding a nested group.
func GroupItem(g *Group) Item { return Item{group: g} }

// IsStep reports whether the item is a step reference.
func (i Item) IsStep() bool { return i.stepSlug != "" }

// StepSlug returns the referenced slug, or "" for a group item.
func (i Item) StepSlug() string { return i.stepSlug }

// Group returns the nested group, or nil for a step item.
func (i Item) Group() *Group { return i.group }

type itemJSON struct {
	Step  string `json:"step,omitempty"`
	Group *Group `json:"group,omitempty"`
}

// MarshalJSON encodes the item as either a step reference or a nested group.
func (i Item) MarshalJSON() ([]byte, error) {
	return json.Marshal(itemJSON{Step: i.stepSlug, Group: i.group})
}

// UnmarshalJSON decodes an item produced by MarshalJSON.
func (i *Item) UnmarshalJSON(data []byte) error {
	var raw itemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	i.stepSlug = raw.Step
	i.group = raw.Group
	return nil
}

// Group is an ordered collection of items that either runs member by member
// or fans out in parallel. Groups nest.
type Group struct {
	ID            id.GroupID `json:"id"`
	Name          string     `json:"name"`
	RunInParallel bool       `json:"run_in_parallel"`
	Items         []Item     `json:"items"`
}

// NewGroup constructs a group.
func NewGroup(name string, runInParallel bool, items ...Item) *Group {
	return &Group{
		ID:            id.NewGroupID(),
		Name:          name,
		RunInParallel: runInParallel,
		Items:         items,
	}
}

// Definition is the persisted shape of an asynchronous workflow: a slug, a
// display name, and an ordered item list. The shape is static; executions
// reference it and never mutate it.
type Definition struct {
	flowline.Entity

	ID    id.DefinitionID `json:"id"`
	Slug  string          `json:"slug"`
	Name  string          `json:"name"`
	Items []Item          `json:"items"`
}

// NewDefinition validates and constructs a definition. Every item must hold
// exactly one of a step or a group, and a step slug may appear only once
// across the whole tree — slugs key per-execution status materialization.
// A sequential group may not nest anywhere under a parallel group: everything
// below a parallel group dispatches as one concurrent stage, which would
// silently discard the inner ordering.
func NewDefinition(slug, name string, items ...Item) (*Definition, error) {
	if slug == "" {
		return nil, fmt.Errorf("exec: definition slug is empty")
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("exec: definition %q has no items", slug)
	}
	seen := make(map[string]struct{})
	if err := validateItems(slug, items, seen, false); err != nil {
		return nil, err
	}
	return &Definition{
		Entity: flowline.NewEntity(),
		ID:     id.NewDefinitionID(),
		Slug:   slug,
		Name:   name,
		Items:  items,
	}, nil
}

func validateItems(slug string, items []Item, seen map[string]struct{}, underParallel bool) error {
	for _, item := range items {
		switch {
		case item.IsStep() && item.Group() != nil:
			return fmt.Errorf("exec: definition %q: item holds both a step and a group", slug)
		case item.IsStep():
			if _, dup := seen[item.StepSlug()]; dup {
				return fmt.Errorf("exec: definition %q repeats step slug %q", slug, item.StepSlug())
			}
			seen[item.StepSlug()] = struct{}{}
		case item.Group() != nil:
			g := item.Group()
			if len(g.Items) == 0 {
				return fmt.Errorf("exec: definition %q: group %q is empty", slug, g.Name)
			}
			if underParallel && !g.RunInParallel {
				return fmt.Errorf("exec: definition %q: sequential group %q cannot nest under a parallel group", slug, g.Name)
			}
			if err := validateItems(slug, g.Items, seen, underParallel || g.RunInParallel); err != nil {
				return err
			}
		default:
			return fmt.Errorf("exec: definition %q: item holds neither a step nor a group", slug)
		}
	}
	return nil
}

// StepSlugs returns every step slug in the definition in declaration order.
func (d *Definition) StepSlugs() []string {
	return collectSlugs(d.Items, nil)
}

func collectSlugs(items []Item, out []string) []string {
	for _, item := range items {
		if item.IsStep() {
			out = append(out, item.StepSlug())
			continue
		}
		out = collectSlugs(item.Group().Items, out)
	}
	return out
}

// Stage is one dispatch unit: a set of step slugs that may run concurrently.
// Stages execute strictly in order; a stage starts only after every step of
// the previous stage completed.
type Stage struct {
	Slugs []string
}

// Stages flattens the definition into its dispatch pipeline:
//
//   - a step item becomes a stage of one;
//   - a parallel group becomes a single stage holding all its leaf slugs
//     (the constructor guarantees no sequential group hides below it);
//   - a sequential group contributes its members as consecutive stages.
func (d *Definition) Stages() []Stage {
	return flattenStages(d.Items, nil)
}

func flattenStages(items []Item, out []Stage) []Stage {
	for _, item := range items {
		switch {
		case item.IsStep():
			out = append(out, Stage{Slugs: []string{item.StepSlug()}})
		case item.Group().RunInParallel:
			out = append(out, Stage{Slugs: collectSlugs(item.Group().Items, nil)})
		default:
			out = flattenStages(item.Group().Items, out)
		}
	}
	return out
}
