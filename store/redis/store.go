// Package redis implements store.Store on Redis for lease-oriented,
// high-throughput deployments. Entities are stored as JSON values, the task
// queue is a Sorted Set scored by run time, leases live in a second Sorted
// Set scored by expiry, and step materialization rides on HSETNX.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/flowline-dev/flowline/cron"
	"github.com/flowline-dev/flowline/dispatch"
	"github.com/flowline-dev/flowline/exec"
	"github.com/flowline-dev/flowline/registry"
	"github.com/flowline-dev/flowline/step"
	"github.com/flowline-dev/flowline/workflow"
)

// Compile-time interface checks.
var (
	_ step.Store             = (*Store)(nil)
	_ registry.CatalogStore  = (*Store)(nil)
	_ registry.OrphanCounter = (*Store)(nil)
	_ workflow.Store         = (*Store)(nil)
	_ exec.DefinitionStore   = (*Store)(nil)
	_ exec.ExecutionStore    = (*Store)(nil)
	_ dispatch.TaskStore     = (*Store)(nil)
	_ cron.Store             = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close(_ context.Context) error { return nil }

// ── JSON value helpers ──

// setJSON stores an entity as a JSON value under key.
func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("flowline/redis: marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("flowline/redis: set %s: %w", key, err)
	}
	return nil
}

// getJSON loads a JSON entity into v. notFound is returned when the key is
// absent.
func (s *Store) getJSON(ctx context.Context, key string, v any, notFound error) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if isNil(err) {
			return notFound
		}
		return fmt.Errorf("flowline/redis: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("flowline/redis: unmarshal %s: %w", key, err)
	}
	return nil
}

// isNil reports whether err is the redis missing-key sentinel.
func isNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
