package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/cron"
	"github.com/flowline-dev/flowline/id"
)

// ──────────────────────────────────────────────────
// cron.Store
// ──────────────────────────────────────────────────

// CreateSchedule stores a new schedule, refusing duplicate names.
func (s *Store) CreateSchedule(ctx context.Context, sched *cron.Schedule) error {
	claimed, err := s.client.HSetNX(ctx, scheduleByNameKey, sched.Name, sched.ID.String()).Result()
	if err != nil {
		return fmt.Errorf("flowline/redis: claim schedule name: %w", err)
	}
	if !claimed {
		return flowline.ErrDuplicateSchedule
	}

	if err := s.setJSON(ctx, scheduleKey(sched.ID.String()), sched); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, scheduleIDsKey, sched.ID.String()).Err(); err != nil {
		return fmt.Errorf("flowline/redis: index schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID id.ScheduleID) (*cron.Schedule, error) {
	var sched cron.Schedule
	if err := s.getJSON(ctx, scheduleKey(scheduleID.String()), &sched, flowline.ErrScheduleNotFound); err != nil {
		return nil, err
	}
	return &sched, nil
}

// UpdateSchedule persists changes to an existing schedule and repairs the
// name index when the name changed.
func (s *Store) UpdateSchedule(ctx context.Context, sched *cron.Schedule) error {
	var current cron.Schedule
	if err := s.getJSON(ctx, scheduleKey(sched.ID.String()), &current, flowline.ErrScheduleNotFound); err != nil {
		return err
	}

	sched.Touch()
	if err := s.setJSON(ctx, scheduleKey(sched.ID.String()), sched); err != nil {
		return err
	}
	if current.Name != sched.Name {
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, scheduleByNameKey, current.Name)
		pipe.HSet(ctx, scheduleByNameKey, sched.Name, sched.ID.String())
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("flowline/redis: reindex schedule name: %w", err)
		}
	}
	return nil
}

// DeleteSchedule removes a schedule and its index entries.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID id.ScheduleID) error {
	sched, err := s.GetSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, scheduleKey(sched.ID.String()))
	pipe.HDel(ctx, scheduleByNameKey, sched.Name)
	pipe.SRem(ctx, scheduleIDsKey, sched.ID.String())
	pipe.Del(ctx, scheduleLockKey(sched.ID.String()))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowline/redis: delete schedule: %w", err)
	}
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*cron.Schedule, error) {
	ids, err := s.client.SMembers(ctx, scheduleIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: list schedules smembers: %w", err)
	}

	out := make([]*cron.Schedule, 0, len(ids))
	for _, sid := range ids {
		var sched cron.Schedule
		if err := s.getJSON(ctx, scheduleKey(sid), &sched, flowline.ErrScheduleNotFound); err != nil {
			continue // skip missing
		}
		out = append(out, &sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AcquireScheduleLock takes the schedule's firing lock with SET NX and a TTL.
// A holder that already owns the lock re-acquires it, refreshing the TTL.
func (s *Store) AcquireScheduleLock(ctx context.Context, scheduleID id.ScheduleID, holder id.WorkerID, ttl time.Duration) (bool, error) {
	key := scheduleLockKey(scheduleID.String())
	ok, err := s.client.SetNX(ctx, key, holder.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("flowline/redis: acquire schedule lock: %w", err)
	}
	if ok {
		return true, nil
	}

	current, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if isNil(err) {
			// Lock expired between SETNX and GET; next tick will race again.
			return false, nil
		}
		return false, fmt.Errorf("flowline/redis: inspect schedule lock: %w", err)
	}
	if current != holder.String() {
		return false, nil
	}
	if err := s.client.Set(ctx, key, holder.String(), ttl).Err(); err != nil {
		return false, fmt.Errorf("flowline/redis: refresh schedule lock: %w", err)
	}
	return true, nil
}

// ReleaseScheduleLock drops the holder's lock; another holder's lock is left
// alone.
func (s *Store) ReleaseScheduleLock(ctx context.Context, scheduleID id.ScheduleID, holder id.WorkerID) error {
	key := scheduleLockKey(scheduleID.String())
	current, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if isNil(err) {
			return nil
		}
		return fmt.Errorf("flowline/redis: inspect schedule lock: %w", err)
	}
	if current != holder.String() {
		return nil
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("flowline/redis: release schedule lock: %w", err)
	}
	return nil
}
