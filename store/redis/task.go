package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowline-dev/flowline"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/id"
)

// ──────────────────────────────────────────────────
// dispatch.TaskStore
// ──────────────────────────────────────────────────

// EnqueueTask stores a new ready task unless the step status already has a
// live one. HSETNX on the active index settles races; the loser gets the
// winner's task back.
func (s *Store) EnqueueTask(ctx context.Context, t *dispatch.Task) (*dispatch.Task, bool, error) {
	claimed, err := s.client.HSetNX(ctx, taskActiveKey, t.StepStatusID.String(), t.ID.String()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("flowline/redis: claim active task: %w", err)
	}
	if !claimed {
		activeID, getErr := s.client.HGet(ctx, taskActiveKey, t.StepStatusID.String()).Result()
		if getErr != nil {
			return nil, false, fmt.Errorf("flowline/redis: fetch active task after conflict: %w", getErr)
		}
		existing, getErr := s.GetTask(ctx, mustParseTaskID(activeID))
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}

	if err := s.setJSON(ctx, taskKey(t.ID.String()), t); err != nil {
		return nil, false, err
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, taskReadyKey, redis.Z{
		Score:  float64(t.RunAt.UnixMilli()),
		Member: t.ID.String(),
	})
	pipe.RPush(ctx, taskOrderKey(t.ExecutionID.String()), t.ID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("flowline/redis: index task: %w", err)
	}
	return t, true, nil
}

// DequeueTasks leases up to limit due tasks for a worker. Each candidate is
// claimed by ZREM from the ready set — only the claimant proceeds, so
// concurrent pollers never lease the same task twice.
func (s *Store) DequeueTasks(ctx context.Context, workerID id.WorkerID, limit int, lease time.Duration) ([]*dispatch.Task, error) {
	now := time.Now().UTC()
	candidates, err := s.client.ZRangeByScore(ctx, taskReadyKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: dequeue zrangebyscore: %w", err)
	}

	expires := now.Add(lease)
	out := make([]*dispatch.Task, 0, len(candidates))
	for _, taskID := range candidates {
		removed, err := s.client.ZRem(ctx, taskReadyKey, taskID).Result()
		if err != nil {
			return nil, fmt.Errorf("flowline/redis: dequeue claim: %w", err)
		}
		if removed == 0 {
			continue // lost the claim
		}

		var t dispatch.Task
		if err := s.getJSON(ctx, taskKey(taskID), &t, flowline.ErrTaskNotFound); err != nil {
			continue // skip missing
		}
		t.State = dispatch.TaskRunning
		t.LeasedBy = workerID
		e := expires
		t.LeaseExpires = &e
		t.Touch()

		if err := s.setJSON(ctx, taskKey(taskID), &t); err != nil {
			return nil, err
		}
		if err := s.client.ZAdd(ctx, taskRunningKey, redis.Z{
			Score:  float64(expires.UnixMilli()),
			Member: taskID,
		}).Err(); err != nil {
			return nil, fmt.Errorf("flowline/redis: index running task: %w", err)
		}
		out = append(out, &t)
	}
	return out, nil
}

// CompleteTask settles a task as succeeded and releases the active slot for
// its step status.
func (s *Store) CompleteTask(ctx context.Context, taskID id.TaskID) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	t.State = dispatch.TaskSucceeded
	t.LeasedBy = id.Nil
	t.LeaseExpires = nil
	t.Touch()

	if err := s.setJSON(ctx, taskKey(t.ID.String()), t); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, taskRunningKey, t.ID.String())
	pipe.HDel(ctx, taskActiveKey, t.StepStatusID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowline/redis: settle task: %w", err)
	}
	return nil
}

// FailTask records a task failure. With a retryAt it goes back on the ready
// queue for that time; without one it settles as failed and releases the
// active slot.
func (s *Store) FailTask(ctx context.Context, taskID id.TaskID, errMessage string, retryAt *time.Time) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
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
	}
	t.Touch()

	if err := s.setJSON(ctx, taskKey(t.ID.String()), t); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, taskRunningKey, t.ID.String())
	if retryAt != nil {
		pipe.ZAdd(ctx, taskReadyKey, redis.Z{
			Score:  float64(t.RunAt.UnixMilli()),
			Member: t.ID.String(),
		})
	} else {
		pipe.HDel(ctx, taskActiveKey, t.StepStatusID.String())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flowline/redis: fail task: %w", err)
	}
	return nil
}

// ExtendLeases pushes out the lease expiry of every task a worker holds.
func (s *Store) ExtendLeases(ctx context.Context, workerID id.WorkerID, lease time.Duration) error {
	members, err := s.client.ZRange(ctx, taskRunningKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("flowline/redis: extend leases zrange: %w", err)
	}

	expires := time.Now().UTC().Add(lease)
	for _, taskID := range members {
		var t dispatch.Task
		if err := s.getJSON(ctx, taskKey(taskID), &t, flowline.ErrTaskNotFound); err != nil {
			continue // skip missing
		}
		if t.State != dispatch.TaskRunning || t.LeasedBy != workerID {
			continue
		}
		e := expires
		t.LeaseExpires = &e
		t.Touch()
		if err := s.setJSON(ctx, taskKey(taskID), &t); err != nil {
			return err
		}
		if err := s.client.ZAdd(ctx, taskRunningKey, redis.Z{
			Score:  float64(expires.UnixMilli()),
			Member: taskID,
		}).Err(); err != nil {
			return fmt.Errorf("flowline/redis: extend lease score: %w", err)
		}
	}
	return nil
}

// ReapExpiredTasks returns every running task whose lease has lapsed to the
// ready queue and reports how many it moved.
func (s *Store) ReapExpiredTasks(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired, err := s.client.ZRangeByScore(ctx, taskRunningKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("flowline/redis: reap zrangebyscore: %w", err)
	}

	reaped := 0
	for _, taskID := range expired {
		removed, err := s.client.ZRem(ctx, taskRunningKey, taskID).Result()
		if err != nil {
			return reaped, fmt.Errorf("flowline/redis: reap claim: %w", err)
		}
		if removed == 0 {
			continue // another reaper got it
		}

		var t dispatch.Task
		if err := s.getJSON(ctx, taskKey(taskID), &t, flowline.ErrTaskNotFound); err != nil {
			continue // skip missing
		}
		t.State = dispatch.TaskReady
		t.LeasedBy = id.Nil
		t.LeaseExpires = nil
		t.RunAt = now
		t.Touch()

		if err := s.setJSON(ctx, taskKey(taskID), &t); err != nil {
			return reaped, err
		}
		if err := s.client.ZAdd(ctx, taskReadyKey, redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: taskID,
		}).Err(); err != nil {
			return reaped, fmt.Errorf("flowline/redis: requeue reaped task: %w", err)
		}
		reaped++
	}
	return reaped, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*dispatch.Task, error) {
	var t dispatch.Task
	if err := s.getJSON(ctx, taskKey(taskID.String()), &t, flowline.ErrTaskNotFound); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListExecutionTasks returns an execution's tasks in creation order.
func (s *Store) ListExecutionTasks(ctx context.Context, executionID id.ExecutionID) ([]*dispatch.Task, error) {
	ids, err := s.client.LRange(ctx, taskOrderKey(executionID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("flowline/redis: list tasks lrange: %w", err)
	}

	out := make([]*dispatch.Task, 0, len(ids))
	for _, taskID := range ids {
		var t dispatch.Task
		if err := s.getJSON(ctx, taskKey(taskID), &t, flowline.ErrTaskNotFound); err != nil {
			continue // skip missing
		}
		out = append(out, &t)
	}
	return out, nil
}

// mustParseTaskID parses an ID that this store wrote itself; a bad value in
// the active index is corruption and yields the nil ID.
func mustParseTaskID(raw string) id.TaskID {
	parsed, err := id.ParseTaskID(raw)
	if err != nil {
		return id.Nil
	}
	return parsed
}
