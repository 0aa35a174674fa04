package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/step"
	"github.com/flowline-dev/flowline/workflow"
)

// ──────────────────────────────────────────────────
// workflow.Store
// ──────────────────────────────────────────────────

// CreateWorkflow stores the run and indexes it under its subject.
func (s *Store) CreateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	if err := s.setJSON(ctx, workflowKey(w.ID.String()), w); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, workflowSubjectKey(w.SubjectRef), w.ID.String()).Err(); err != nil {
		return fmt.Errorf("flowline/redis: index workflow subject: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow run by ID.
func (s *Store) GetWorkflow(ctx context.Context, workflowID id.WorkflowID) (*workflow.Workflow, error) {
	var w workflow.Workflow
	if err := s.getJSON(ctx, workflowKey(workflowID.String()), &w, flowline.ErrWorkflowNotFound); err != nil {
		return nil, err
	}
	return &w, nil
}

// UpdateWorkflow persists changes to an existing workflow run.
func (s *Store) UpdateWorkflow(ctx context.Context, w *workflow.Workflow) error {
	key := workflowKey(w.ID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("flowline/redis: update workflow exists: %w", err)
	}
	if exists == 0 {
		return flowline.ErrWorkflowNotFound
	}
	w.Touch()
	return s.setJSON(ctx, key, w)
}

// ListWorkflowsBySubject returns runs for a subject, newest first. IDs are
// K-sortable, so a descending ID sort is a descending creation sort.
func (s *Store) ListWorkflowsBySubject(ctx context.Context, subjectRef string) ([]*workflow.Workflow, error) {
	ids, err := s.client.SMembers(ctx, workflowSubjectKey(subjectRef)).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: list workflows smembers: %w", err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))

	out := make([]*workflow.Workflow, 0, len(ids))
	for _, wid := range ids {
		var w workflow.Workflow
		if err := s.getJSON(ctx, workflowKey(wid), &w, flowline.ErrWorkflowNotFound); err != nil {
			continue // skip missing
		}
		out = append(out, &w)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// step.Store
// ──────────────────────────────────────────────────

// CreateStep stores the step, claiming the (workflow, slug) index entry
// first so duplicates are refused.
func (s *Store) CreateStep(ctx context.Context, st *step.Step) error {
	claimed, err := s.client.HSetNX(ctx,
		stepIndexKey(st.WorkflowID.String()), st.Slug, st.ID.String(),
	).Result()
	if err != nil {
		return fmt.Errorf("flowline/redis: claim step index: %w", err)
	}
	if !claimed {
		return flowline.ErrStepAlreadyExists
	}

	if err := s.setJSON(ctx, stepKey(st.ID.String()), st); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, stepSlugKey(st.Slug), st.ID.String()).Err(); err != nil {
		return fmt.Errorf("flowline/redis: index step slug: %w", err)
	}
	return nil
}

// GetStep retrieves a step row by ID.
func (s *Store) GetStep(ctx context.Context, stepID id.StepID) (*step.Step, error) {
	var st step.Step
	if err := s.getJSON(ctx, stepKey(stepID.String()), &st, flowline.ErrStepNotFound); err != nil {
		return nil, err
	}
	return &st, nil
}

// FetchOrCreateStep materializes the (workflow, slug) row. HSETNX settles
// races; the loser reads the winner's row through the index.
func (s *Store) FetchOrCreateStep(ctx context.Context, st *step.Step) (*step.Step, bool, error) {
	err := s.CreateStep(ctx, st)
	switch {
	case err == nil:
		return st, true, nil
	case !errors.Is(err, flowline.ErrStepAlreadyExists):
		return nil, false, err
	}

	existingID, err := s.client.HGet(ctx, stepIndexKey(st.WorkflowID.String()), st.Slug).Result()
	if err != nil {
		return nil, false, fmt.Errorf("flowline/redis: fetch step index after conflict: %w", err)
	}
	var existing step.Step
	if err := s.getJSON(ctx, stepKey(existingID), &existing, flowline.ErrStepNotFound); err != nil {
		return nil, false, err
	}
	return &existing, false, nil
}

// UpdateStep persists changes to a step row, refusing to overwrite one whose
// persisted state already records success.
func (s *Store) UpdateStep(ctx context.Context, st *step.Step) error {
	var current step.Step
	if err := s.getJSON(ctx, stepKey(st.ID.String()), &current, flowline.ErrStepNotFound); err != nil {
		return err
	}
	if current.Succeeded() {
		return flowline.ErrOutputImmutable
	}
	st.Touch()
	return s.setJSON(ctx, stepKey(st.ID.String()), st)
}

// ListWorkflowSteps returns a workflow's step rows in creation order.
func (s *Store) ListWorkflowSteps(ctx context.Context, workflowID id.WorkflowID) ([]*step.Step, error) {
	index, err := s.client.HGetAll(ctx, stepIndexKey(workflowID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: list steps index: %w", err)
	}

	out := make([]*step.Step, 0, len(index))
	for _, stepID := range index {
		var st step.Step
		if err := s.getJSON(ctx, stepKey(stepID), &st, flowline.ErrStepNotFound); err != nil {
			continue // skip missing
		}
		out = append(out, &st)
	}
	// IDs are K-sortable; ascending ID order is creation order.
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// CountStepsBySlug reports how many step rows reference a slug.
func (s *Store) CountStepsBySlug(ctx context.Context, slug string) (int, error) {
	n, err := s.client.SCard(ctx, stepSlugKey(slug)).Result()
	if err != nil {
		return 0, fmt.Errorf("flowline/redis: count steps: %w", err)
	}
	return int(n), nil
}

// ──────────────────────────────────────────────────
// registry.CatalogStore
// ──────────────────────────────────────────────────

// CreateCatalogEntry stores the entry and its slug and name index entries.
func (s *Store) CreateCatalogEntry(ctx context.Context, e *registry.Entry) error {
	if err := s.setJSON(ctx, catalogKey(e.ID.String()), e); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, catalogBySlugKey, e.Slug, e.ID.String())
	pipe.HSet(ctx, catalogByNameKey, e.Name, e.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowline/redis: index catalog entry: %w", err)
	}
	return nil
}

// GetCatalogEntry retrieves a catalog entry by slug.
func (s *Store) GetCatalogEntry(ctx context.Context, slug string) (*registry.Entry, error) {
	return s.catalogByIndex(ctx, catalogBySlugKey, slug)
}

// GetCatalogEntryByName retrieves a catalog entry by display name.
func (s *Store) GetCatalogEntryByName(ctx context.Context, name string) (*registry.Entry, error) {
	return s.catalogByIndex(ctx, catalogByNameKey, name)
}

func (s *Store) catalogByIndex(ctx context.Context, indexKey, field string) (*registry.Entry, error) {
	entryID, err := s.client.HGet(ctx, indexKey, field).Result()
	if err != nil {
		if isNil(err) {
			return nil, flowline.ErrCatalogNotFound
		}
		return nil, fmt.Errorf("flowline/redis: catalog index lookup: %w", err)
	}
	var e registry.Entry
	if err := s.getJSON(ctx, catalogKey(entryID), &e, flowline.ErrCatalogNotFound); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateCatalogEntry rewrites the entry and repairs both indexes, removing
// the old slug and name entries when they changed.
func (s *Store) UpdateCatalogEntry(ctx context.Context, e *registry.Entry) error {
	var current registry.Entry
	if err := s.getJSON(ctx, catalogKey(e.ID.String()), &current, flowline.ErrCatalogNotFound); err != nil {
		return err
	}

	e.Touch()
	if err := s.setJSON(ctx, catalogKey(e.ID.String()), e); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	if current.Slug != e.Slug {
		pipe.HDel(ctx, catalogBySlugKey, current.Slug)
	}
	if current.Name != e.Name {
		pipe.HDel(ctx, catalogByNameKey, current.Name)
	}
	pipe.HSet(ctx, catalogBySlugKey, e.Slug, e.ID.String())
	pipe.HSet(ctx, catalogByNameKey, e.Name, e.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowline/redis: reindex catalog entry: %w", err)
	}
	return nil
}

// DeleteCatalogEntry removes an entry by slug.
func (s *Store) DeleteCatalogEntry(ctx context.Context, slug string) error {
	e, err := s.GetCatalogEntry(ctx, slug)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, catalogKey(e.ID.String()))
	pipe.HDel(ctx, catalogBySlugKey, e.Slug)
	pipe.HDel(ctx, catalogByNameKey, e.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowline/redis: delete catalog entry: %w", err)
	}
	return nil
}

// ListCatalogEntries returns all entries ordered by slug.
func (s *Store) ListCatalogEntries(ctx context.Context) ([]*registry.Entry, error) {
	index, err := s.client.HGetAll(ctx, catalogBySlugKey).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: list catalog index: %w", err)
	}

	slugs := make([]string, 0, len(index))
	for slug := range index {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	out := make([]*registry.Entry, 0, len(slugs))
	for _, slug := range slugs {
		var e registry.Entry
		if err := s.getJSON(ctx, catalogKey(index[slug]), &e, flowline.ErrCatalogNotFound); err != nil {
			continue // skip missing
		}
		out = append(out, &e)
	}
	return out, nil
}
