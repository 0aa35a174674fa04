package memory

import (
	"context"
	"sort"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/id"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/step"
	"github.com/flowline-dev/flowline/workflow"
)

// ──────────────────────────────────────────────────
// step.Store
// ──────────────────────────────────────────────────

func (s *Store) CreateStep(_ context.Context, st *step.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	key := stepKey(st.WorkflowID, st.Slug)
	if _, exists := s.stepsByKey[key]; exists {
		return flowline.ErrStepAlreadyExists
	}
	s.steps[st.ID] = copyStep(st)
	s.stepsByKey[key] = st.ID
	s.stepOrder[st.WorkflowID] = append(s.stepOrder[st.WorkflowID], st.ID)
	return nil
}

func (s *Store) GetStep(_ context.Context, stepID id.StepID) (*step.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	row, ok := s.steps[stepID]
	if !ok {
		return nil, flowline.ErrStepNotFound
	}
	return copyStep(row), nil
}

func (s *Store) FetchOrCreateStep(_ context.Context, st *step.Step) (*step.Step, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, false, err
	}

	key := stepKey(st.WorkflowID, st.Slug)
	if existingID, exists := s.stepsByKey[key]; exists {
		return copyStep(s.steps[existingID]), false, nil
	}
	s.steps[st.ID] = copyStep(st)
	s.stepsByKey[key] = st.ID
	s.stepOrder[st.WorkflowID] = append(s.stepOrder[st.WorkflowID], st.ID)
	return copyStep(st), true, nil
}

func (s *Store) UpdateStep(_ context.Context, st *step.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	existing, ok := s.steps[st.ID]
	if !ok {
		return flowline.ErrStepNotFound
	}
	if existing.SucceededAt != nil {
		return flowline.ErrOutputImmutable
	}
	s.steps[st.ID] = copyStep(st)
	return nil
}

func (s *Store) ListWorkflowSteps(_ context.Context, workflowID id.WorkflowID) ([]*step.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	order := s.stepOrder[workflowID]
	out := make([]*step.Step, 0, len(order))
	for _, stepID := range order {
		out = append(out, copyStep(s.steps[stepID]))
	}
	return out, nil
}

// CountStepsBySlug satisfies registry.OrphanCounter.
func (s *Store) CountStepsBySlug(_ context.Context, slug string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}

	n := 0
	for _, row := range s.steps {
		if row.Slug == slug {
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// workflow.Store
// ──────────────────────────────────────────────────

func (s *Store) CreateWorkflow(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, workflowID id.WorkflowID) (*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	row, ok := s.workflows[workflowID]
	if !ok {
		return nil, flowline.ErrWorkflowNotFound
	}
	return copyWorkflow(row), nil
}

func (s *Store) UpdateWorkflow(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if _, ok := s.workflows[w.ID]; !ok {
		return flowline.ErrWorkflowNotFound
	}
	s.workflows[w.ID] = copyWorkflow(w)
	return nil
}

func (s *Store) ListWorkflowsBySubject(_ context.Context, subjectRef string) ([]*workflow.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	var out []*workflow.Workflow
	for _, row := range s.workflows {
		if row.SubjectRef == subjectRef {
			out = append(out, copyWorkflow(row))
		}
	}
	// IDs are K-sortable, so descending ID order is newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() > out[j].ID.String() })
	return out, nil
}

// ──────────────────────────────────────────────────
// registry.CatalogStore
// ──────────────────────────────────────────────────

func (s *Store) CreateCatalogEntry(_ context.Context, e *registry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	s.catalog[e.ID] = copyEntry(e)
	return nil
}

func (s *Store) GetCatalogEntry(_ context.Context, slug string) (*registry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	for _, e := range s.catalog {
		if e.Slug == slug {
			return copyEntry(e), nil
		}
	}
	return nil, flowline.ErrCatalogNotFound
}

func (s *Store) GetCatalogEntryByName(_ context.Context, name string) (*registry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	for _, e := range s.catalog {
		if e.Name == name {
			return copyEntry(e), nil
		}
	}
	return nil, flowline.ErrCatalogNotFound
}

func (s *Store) UpdateCatalogEntry(_ context.Context, e *registry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if _, ok := s.catalog[e.ID]; !ok {
		return flowline.ErrCatalogNotFound
	}
	s.catalog[e.ID] = copyEntry(e)
	return nil
}

func (s *Store) DeleteCatalogEntry(_ context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	for entryID, e := range s.catalog {
		if e.Slug == slug {
			delete(s.catalog, entryID)
			return nil
		}
	}
	return flowline.ErrCatalogNotFound
}

func (s *Store) ListCatalogEntries(_ context.Context) ([]*registry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	out := make([]*registry.Entry, 0, len(s.catalog))
	for _, e := range s.catalog {
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
