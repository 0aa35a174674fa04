package memory

import (
	"context"
	"sort"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/cron"
	"github.com/flowline-dev/flowline/id"
)

// ──────────────────────────────────────────────────
// cron.Store
// ──────────────────────────────────────────────────

func (s *Store) CreateSchedule(_ context.Context, sched *cron.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	for _, existing := range s.schedules {
		if existing.Name == sched.Name {
			return flowline.ErrDuplicateSchedule
		}
	}
	s.schedules[sched.ID] = copySchedule(sched)
	return nil
}

func (s *Store) GetSchedule(_ context.Context, scheduleID id.ScheduleID) (*cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	sched, ok := s.schedules[scheduleID]
	if !ok {
		return nil, flowline.ErrScheduleNotFound
	}
	return copySchedule(sched), nil
}

func (s *Store) UpdateSchedule(_ context.Context, sched *cron.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if _, ok := s.schedules[sched.ID]; !ok {
		return flowline.ErrScheduleNotFound
	}
	s.schedules[sched.ID] = copySchedule(sched)
	return nil
}

func (s *Store) DeleteSchedule(_ context.Context, scheduleID id.ScheduleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if _, ok := s.schedules[scheduleID]; !ok {
		return flowline.ErrScheduleNotFound
	}
	delete(s.schedules, scheduleID)
	delete(s.scheduleLocks, scheduleID)
	return nil
}

func (s *Store) ListSchedules(_ context.Context) ([]*cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	out := make([]*cron.Schedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, copySchedule(sched))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) AcquireScheduleLock(_ context.Context, scheduleID id.ScheduleID, holder id.WorkerID, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	if lock, held := s.scheduleLocks[scheduleID]; held && lock.until.After(now) && lock.holder != holder {
		return false, nil
	}
	s.scheduleLocks[scheduleID] = scheduleLock{holder: holder, until: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseScheduleLock(_ context.Context, scheduleID id.ScheduleID, holder id.WorkerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	if lock, held := s.scheduleLocks[scheduleID]; held && lock.holder == holder {
		delete(s.scheduleLocks, scheduleID)
	}
	return nil
}
