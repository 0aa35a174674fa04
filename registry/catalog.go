package registry

import (
	"context"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
)

// Entry is the persisted catalog row for one registered step type.
type Entry struct {
	flowline.Entity

	ID   id.CatalogID `json:"id"`
	Slug string       `json:"slug"`
	Name string       `json:"name"`
}

// NewEntry returns a catalog row for a slug and display name.
func NewEntry(slug, name string) *Entry {
	return &Entry{
		Entity: flowline.NewEntity(),
		ID:     id.NewCatalogID(),
		Slug:   slug,
		Name:   name,
	}
}

// CatalogStore defines persistence for catalog entries. Backends enforce
// uniqueness on slug.
type CatalogStore interface {
	// CreateCatalogEntry persists a new entry.
	CreateCatalogEntry(ctx context.Context, e *Entry) error

	// GetCatalogEntry retrieves an entry by slug. Returns
	// flowline.ErrCatalogNotFound when absent.
	GetCatalogEntry(ctx context.Context, slug string) (*Entry, error)

	// GetCatalogEntryByName retrieves an entry by display name. Returns
	// flowline.ErrCatalogNotFound when absent.
	GetCatalogEntryByName(ctx context.Context, name string) (*Entry, error)

	// UpdateCatalogEntry persists changes to an existing entry, looked up
	// by ID.
	UpdateCatalogEntry(ctx context.Context, e *Entry) error

	// DeleteCatalogEntry removes an entry by slug.
	DeleteCatalogEntry(ctx context.Context, slug string) error

	// ListCatalogEntries returns all entries ordered by slug.
	ListCatalogEntries(ctx context.Context) ([]*Entry, error)
}

// OrphanCounter reports how many persisted step rows reference a slug. Used
// by Cleanup to surface references that a catalog delete will orphan.
type OrphanCounter interface {
	CountStepsBySlug(ctx context.Context, slug string) (int, error)
}
