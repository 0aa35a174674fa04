// Package queue rate-limits workflow launches. Each definition gets a token
// bucket; launches beyond the configured rate are refused rather than
// queued, so a runaway scheduler or API client cannot flood the task store.
package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limit describes one definition's launch budget.
type Limit struct {
	// PerSecond is the sustained launch rate. Zero means unlimited.
	PerSecond float64

	// Burst is the bucket size. Defaults to 1 when PerSecond is set.
	Burst int
}

// Limiter throttles launches per definition slug. The zero value is not
// usable; construct with NewLimiter. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]Limit
	fallback Limit
	buckets  map[string]*rate.Limiter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit sets the launch budget for one definition slug.
func WithLimit(definitionSlug string, l Limit) Option {
	return func(lim *Limiter) { lim.limits[definitionSlug] = l }
}

// WithDefaultLimit sets the budget applied to slugs without their own.
func WithDefaultLimit(l Limit) Option {
	return func(lim *Limiter) { lim.fallback = l }
}

// NewLimiter creates a launch limiter. Without options every launch is
// allowed.
func NewLimiter(opts ...Option) *Limiter {
	lim := &Limiter{
		limits:  make(map[string]Limit),
		buckets: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(lim)
	}
	return lim
}

// Allow reports whether a launch of the given definition may proceed now,
// consuming a token when it may.
func (lim *Limiter) Allow(definitionSlug string) bool {
	lim.mu.Lock()
	defer lim.mu.Unlock()

	bucket, ok := lim.buckets[definitionSlug]
	if !ok {
		l, has := lim.limits[definitionSlug]
		if !has {
			l = lim.fallback
		}
		if l.PerSecond <= 0 {
			return true
		}
		burst := l.Burst
		if burst < 1 {
			burst = 1
		}
		bucket = rate.NewLimiter(rate.Limit(l.PerSecond), burst)
		lim.buckets[definitionSlug] = bucket
	}
	return bucket.Allow()
}
