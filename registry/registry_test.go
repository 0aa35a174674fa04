package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/registry"
)

type fakeCatalog struct {
	mu      sync.Mutex
	entries map[string]*registry.Entry // by slug
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{entries: make(map[string]*registry.Entry)}
}

func (c *fakeCatalog) CreateCatalogEntry(_ context.Context, e *registry.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *e
	c.entries[e.Slug] = &cp
	return nil
}

func (c *fakeCatalog) GetCatalogEntry(_ context.Context, slug string) (*registry.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[slug]
	if !ok {
		return nil, flowline.ErrCatalogNotFound
	}
	cp := *e
	return &cp, nil
}

func (c *fakeCatalog) GetCatalogEntryByName(_ context.Context, name string) (*registry.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.Name == name {
			cp := *e
			return &cp, nil
		}
	}
	return nil, flowline.ErrCatalogNotFound
}

func (c *fakeCatalog) UpdateCatalogEntry(_ context.Context, e *registry.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for slug, existing := range c.entries {
		if existing.ID == e.ID {
			delete(c.entries, slug)
			cp := *e
			c.entries[e.Slug] = &cp
			return nil
		}
	}
	return flowline.ErrCatalogNotFound
}

func (c *fakeCatalog) DeleteCatalogEntry(_ context.Context, slug string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[slug]; !ok {
		return flowline.ErrCatalogNotFound
	}
	delete(c.entries, slug)
	return nil
}

func (c *fakeCatalog) ListCatalogEntries(_ context.Context) ([]*registry.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*registry.Entry, 0, len(c.entries))
	for _, e := range c.entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

type fakeCounter map[string]int

func (c fakeCounter) CountStepsBySlug(_ context.Context, slug string) (int, error) {
	return c[slug], nil
}

func noopFn(_ context.Context, _, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.WithLogger(slog.New(slog.DiscardHandler)))
}

func TestRegisterAndGet(t *testing.T) {
	r := newRegistry(t)

	if err := r.Register(registry.Action{Slug: "add_numbers", Name: "Add Numbers", Fn: noopFn}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	a, err := r.Get("add_numbers")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.Name != "Add Numbers" {
		t.Errorf("Name = %q", a.Name)
	}

	_, err = r.Get("missing")
	var regErr *flowline.RegistryError
	if !errors.As(err, &regErr) {
		t.Fatalf("Get(missing) error = %T, want *flowline.RegistryError", err)
	}
	if regErr.Slug != "missing" {
		t.Errorf("error slug = %q", regErr.Slug)
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := newRegistry(t)
	if err := r.Register(registry.Action{Slug: "", Fn: noopFn}); err == nil {
		t.Error("empty slug accepted")
	}
	if err := r.Register(registry.Action{Slug: "x"}); err == nil {
		t.Error("nil callable accepted")
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := newRegistry(t)
	for range 3 {
		if err := r.Register(registry.Action{Slug: "add_numbers", Fn: noopFn}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if got := r.Slugs(); len(got) != 1 {
		t.Errorf("Slugs = %v, want exactly one", got)
	}
}

func TestSyncCreatesEntries(t *testing.T) {
	r := newRegistry(t)
	catalog := newFakeCatalog()

	_ = r.Register(registry.Action{Slug: "add_numbers", Name: "Add Numbers", Fn: noopFn})
	_ = r.Register(registry.Action{Slug: "square_number", Name: "Square Number", Fn: noopFn})

	if err := r.Sync(context.Background(), catalog); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	entries, _ := catalog.ListCatalogEntries(context.Background())
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
}

func TestSyncUpdatesDisplayName(t *testing.T) {
	r := newRegistry(t)
	catalog := newFakeCatalog()

	_ = r.Register(registry.Action{Slug: "add_numbers", Name: "Add Numbers", Fn: noopFn})
	_ = r.Sync(context.Background(), catalog)
	before, _ := catalog.GetCatalogEntry(context.Background(), "add_numbers")

	_ = r.Register(registry.Action{Slug: "add_numbers", Name: "Sum Inputs", Fn: noopFn})
	if err := r.Sync(context.Background(), catalog); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	after, err := catalog.GetCatalogEntry(context.Background(), "add_numbers")
	if err != nil {
		t.Fatalf("GetCatalogEntry: %v", err)
	}
	if after.Name != "Sum Inputs" {
		t.Errorf("Name = %q, want Sum Inputs", after.Name)
	}
	if after.ID != before.ID {
		t.Error("rename created a new row instead of updating in place")
	}
}

func TestSyncRenamesSlugInPlace(t *testing.T) {
	r := newRegistry(t)
	catalog := newFakeCatalog()

	_ = r.Register(registry.Action{Slug: "add", Name: "Add Numbers", Fn: noopFn})
	_ = r.Sync(context.Background(), catalog)
	before, _ := catalog.GetCatalogEntry(context.Background(), "add")

	r2 := newRegistry(t)
	_ = r2.Register(registry.Action{Slug: "add_numbers", Name: "Add Numbers", Fn: noopFn})
	if err := r2.Sync(context.Background(), catalog); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	after, err := catalog.GetCatalogEntry(context.Background(), "add_numbers")
	if err != nil {
		t.Fatalf("GetCatalogEntry(new slug): %v", err)
	}
	if after.ID != before.ID {
		t.Error("slug rename created a new row instead of updating in place")
	}
	if _, err := catalog.GetCatalogEntry(context.Background(), "add"); !errors.Is(err, flowline.ErrCatalogNotFound) {
		t.Error("old slug row still present after rename")
	}

	entries, _ := catalog.ListCatalogEntries(context.Background())
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestCleanupRemovesStaleEntries(t *testing.T) {
	r := newRegistry(t)
	catalog := newFakeCatalog()

	_ = r.Register(registry.Action{Slug: "keep_me", Fn: noopFn})
	_ = catalog.CreateCatalogEntry(context.Background(), registry.NewEntry("keep_me", "Keep"))
	_ = catalog.CreateCatalogEntry(context.Background(), registry.NewEntry("dead_slug", "Dead"))

	counter := fakeCounter{"dead_slug": 4}
	if err := r.Cleanup(context.Background(), catalog, counter); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	if _, err := catalog.GetCatalogEntry(context.Background(), "keep_me"); err != nil {
		t.Error("registered entry deleted")
	}
	if _, err := catalog.GetCatalogEntry(context.Background(), "dead_slug"); !errors.Is(err, flowline.ErrCatalogNotFound) {
		t.Error("stale entry survived cleanup")
	}
}

func TestEntryHasCatalogID(t *testing.T) {
	e := registry.NewEntry("add_numbers", "Add Numbers")
	if e.ID.Prefix() != id.PrefixCatalog {
		t.Errorf("prefix = %q, want %q", e.ID.Prefix(), id.PrefixCatalog)
	}
}
