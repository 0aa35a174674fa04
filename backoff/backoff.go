// Package backoff provides the delay strategies used when task submission
// hits transient infrastructure failures. Strategies are stateless and safe
// for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the wait before retry attempt n. Attempt 1 is the first
// retry after the initial failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant waits the same interval on every attempt.
type Constant struct {
	Interval time.Duration
}

// NewConstant returns a fixed-interval strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(int) time.Duration { return c.Interval }

// Linear grows the wait by Initial on every attempt, capped at Max when
// Max > 0.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear returns a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	d := l.Initial * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential doubles the wait each attempt, capped at Max when Max > 0.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential returns an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Jittered spreads an exponential base over [0, base) so that many failed
// submissions retrying at once do not land on the store in lockstep.
type Jittered struct {
	Initial time.Duration
	Max     time.Duration
}

// NewJittered returns a full-jitter exponential strategy.
func NewJittered(initial, maxDelay time.Duration) *Jittered {
	return &Jittered{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(attempt-1), Max)).
func (j *Jittered) Delay(attempt int) time.Duration {
	base := float64(j.Initial) * math.Pow(2, float64(attempt-1))
	if j.Max > 0 && base > float64(j.Max) {
		base = float64(j.Max)
	}
	return time.Duration(rand.Float64() * base) //nolint:gosec // jitter does not need crypto rand
}

// Default is the strategy used for task submission retries: full jitter over
// an exponential base of 250ms, capped at 30s.
func Default() Strategy {
	return NewJittered(250*time.Millisecond, 30*time.Second)
}
