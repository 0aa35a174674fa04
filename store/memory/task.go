package memory

import (
	"context"
	"sort"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/id"
)

// ──────────────────────────────────────────────────
// dispatch.TaskStore
// ──────────────────────────────────────────────────

func (s *Store) EnqueueTask(_ context.Context, t *dispatch.Task) (*dispatch.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, false, err
	}

	if activeID, exists := s.activeByStatus[t.StepStatusID]; exists {
		return copyTask(s.tasks[activeID]), false, nil
	}
	s.tasks[t.ID] = copyTask(t)
	s.activeByStatus[t.StepStatusID] = t.ID
	s.taskOrder[t.ExecutionID] = append(s.taskOrder[t.ExecutionID], t.ID)
	return copyTask(t), true, nil
}

func (s *Store) DequeueTasks(_ context.Context, workerID id.WorkerID, limit int, lease time.Duration) ([]*dispatch.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var ready []*dispatch.Task
	for _, t := range s.tasks {
		if t.State == dispatch.TaskReady && !t.RunAt.After(now) {
			ready = append(ready, t)
		}
	}
	// Oldest RunAt first; IDs break ties deterministically.
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].RunAt.Equal(ready[j].RunAt) {
			return ready[i].RunAt.Before(ready[j].RunAt)
		}
		return ready[i].ID.String() < ready[j].ID.String()
	})

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	expires := now.Add(lease)
	out := make([]*dispatch.Task, 0, len(ready))
	for _, t := range ready {
		t.State = dispatch.TaskRunning
		t.LeasedBy = workerID
		t.LeaseExpires = &expires
		t.Touch()
		out = append(out, copyTask(t))
	}
	return out, nil
}

func (s *Store) CompleteTask(_ context.Context, taskID id.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	t, ok := s.tasks[taskID]
	if !ok {
		return flowline.ErrTaskNotFound
	}
	t.State = dispatch.TaskSucceeded
	t.LeasedBy = id.Nil
	t.LeaseExpires = nil
	t.Touch()
	delete(s.activeByStatus, t.StepStatusID)
	return nil
}

func (s *Store) FailTask(_ context.Context, taskID id.TaskID, errMessage string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	t, ok := s.tasks[taskID]
	if !ok {
		return flowline.ErrTaskNotFound
	}
	t.Attempts++
	t.ErrorMessage = errMessage
	t.LeasedBy = id.Nil
	t.LeaseExpires = nil
	if retryAt != nil {
		t.State = dispatch.TaskReady
		t.RunAt = retryAt.UTC()
	} else {
		t.State = dispatch.TaskFailed
		delete(s.activeByStatus, t.StepStatusID)
	}
	t.Touch()
	return nil
}

func (s *Store) ExtendLeases(_ context.Context, workerID id.WorkerID, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	expires := time.Now().UTC().Add(lease)
	for _, t := range s.tasks {
		if t.State == dispatch.TaskRunning && t.LeasedBy == workerID {
			e := expires
			t.LeaseExpires = &e
		}
	}
	return nil
}

func (s *Store) ReapExpiredTasks(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	reaped := 0
	for _, t := range s.tasks {
		if t.State != dispatch.TaskRunning || t.LeaseExpires == nil || t.LeaseExpires.After(now) {
			continue
		}
		t.State = dispatch.TaskReady
		t.LeasedBy = id.Nil
		t.LeaseExpires = nil
		t.RunAt = now
		t.Touch()
		reaped++
	}
	return reaped, nil
}

func (s *Store) GetTask(_ context.Context, taskID id.TaskID) (*dispatch.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, flowline.ErrTaskNotFound
	}
	return copyTask(t), nil
}

func (s *Store) ListExecutionTasks(_ context.Context, executionID id.ExecutionID) ([]*dispatch.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	order := s.taskOrder[executionID]
	out := make([]*dispatch.Task, 0, len(order))
	for _, taskID := range order {
		out = append(out, copyTask(s.tasks[taskID]))
	}
	return out, nil
}
