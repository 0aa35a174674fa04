// Package registry maps step slugs to their callables and keeps a persisted
// catalog of registered step types in sync with the code.
//
// A Registry instance is constructed by the host application and injected
// into the runners that need it; there is no process-global registry. The
// persisted catalog exists so that operators can see which step types a
// deployment knows about and so renames can be applied to the existing row
// instead of abandoning it.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/step"
)

// Action is one registered step type: a stable slug, a human-readable name,
// and the callable invoked when a step with that slug executes.
type Action struct {
	// Slug is the stable identifier persisted on step rows.
	Slug string

	// Name is the display name shown to operators. Renaming is safe; the
	// catalog row is updated in place.
	Name string

	// RequiredInputKeys lists map keys the callable expects in its input.
	// Runners validate presence before dispatch.
	RequiredInputKeys []string

	// Fn is the callable.
	Fn step.Func
}

// Registry holds the in-process slug-to-callable mapping.
type Registry struct {
	mu     sync.RWMutex
	bySlug map[string]Action
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used by Sync and Cleanup.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New returns an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		bySlug: make(map[string]Action),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an action to the registry. Registering the same slug again
// replaces the earlier entry, so init-time registration is idempotent.
func (r *Registry) Register(a Action) error {
	if a.Slug == "" {
		return &flowline.RegistryError{Slug: a.Slug, Reason: "empty slug"}
	}
	if a.Fn == nil {
		return &flowline.RegistryError{Slug: a.Slug, Reason: "nil callable"}
	}
	if a.Name == "" {
		a.Name = a.Slug
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySlug[a.Slug] = a
	return nil
}

// Get returns the action registered under slug, or a *flowline.RegistryError
// when no such action exists.
func (r *Registry) Get(slug string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bySlug[slug]
	if !ok {
		return Action{}, &flowline.RegistryError{Slug: slug, Reason: "not registered"}
	}
	return a, nil
}

// Slugs returns all registered slugs in sorted order.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bySlug))
	for slug := range r.bySlug {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// Sync reconciles the persisted catalog with the registered actions.
// For each action:
//
//   - a catalog row with the same slug is updated when its name changed;
//   - otherwise a row with the same name but a different slug is treated
//     as a rename and its slug is rewritten in place;
//   - otherwise a new row is created.
//
// Sync never deletes; see Cleanup.
func (r *Registry) Sync(ctx context.Context, catalog CatalogStore) error {
	r.mu.RLock()
	actions := make([]Action, 0, len(r.bySlug))
	for _, a := range r.bySlug {
		actions = append(actions, a)
	}
	r.mu.RUnlock()
	sort.Slice(actions, func(i, j int) bool { return actions[i].Slug < actions[j].Slug })

	for _, a := range actions {
		if err := r.syncOne(ctx, catalog, a); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) syncOne(ctx context.Context, catalog CatalogStore, a Action) error {
	entry, err := catalog.GetCatalogEntry(ctx, a.Slug)
	switch {
	case err == nil:
		if entry.Name == a.Name {
			return nil
		}
		entry.Name = a.Name
		entry.Touch()
		return catalog.UpdateCatalogEntry(ctx, entry)

	case !isNotFound(err):
		return err
	}

	// No row under this slug; a row under the same name means the slug
	// itself was renamed.
	entry, err = catalog.GetCatalogEntryByName(ctx, a.Name)
	switch {
	case err == nil:
		oldSlug := entry.Slug
		entry.Slug = a.Slug
		entry.Touch()
		if uerr := catalog.UpdateCatalogEntry(ctx, entry); uerr != nil {
			return uerr
		}
		r.logger.Info("renamed catalog entry",
			slog.String("name", a.Name),
			slog.String("old_slug", oldSlug),
			slog.String("new_slug", a.Slug),
		)
		return nil

	case !isNotFound(err):
		return err
	}

	return catalog.CreateCatalogEntry(ctx, NewEntry(a.Slug, a.Name))
}

// Cleanup deletes catalog rows whose slugs are no longer registered. Step
// rows referencing a deleted slug are left behind; when counter is non-nil
// the count of such orphans is logged before the delete so the loss is at
// least visible.
func (r *Registry) Cleanup(ctx context.Context, catalog CatalogStore, counter OrphanCounter) error {
	entries, err := catalog.ListCatalogEntries(ctx)
	if err != nil {
		return err
	}

	r.mu.RLock()
	registered := make(map[string]struct{}, len(r.bySlug))
	for slug := range r.bySlug {
		registered[slug] = struct{}{}
	}
	r.mu.RUnlock()

	for _, entry := range entries {
		if _, ok := registered[entry.Slug]; ok {
			continue
		}

		if counter != nil {
			n, cerr := counter.CountStepsBySlug(ctx, entry.Slug)
			if cerr != nil {
				return cerr
			}
			if n > 0 {
				r.logger.Warn("deleting catalog entry with persisted step references",
					slog.String("slug", entry.Slug),
					slog.Int("orphaned_steps", n),
				)
			}
		}

		if derr := catalog.DeleteCatalogEntry(ctx, entry.Slug); derr != nil {
			return derr
		}
		r.logger.Info("removed stale catalog entry", slog.String("slug", entry.Slug))
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, flowline.ErrCatalogNotFound)
}
