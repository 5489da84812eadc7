// ABOUTME: Retry policy and exponential backoff delay calculation for stage execution.
// ABOUTME: Resolves per-stage policies from a Spec and the orchestrator's defaults.
package orchestrator

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/2389-research/prowzi/pipeline"
)

// Defaults applied when neither the Spec nor the Config sets a value.
const (
	DefaultMaxRetries  = 1
	DefaultBackoffBase = 1.5
	DefaultBackoffUnit = time.Second
)

// maxDelayNanos keeps float-to-Duration conversion in range.
const maxDelayNanos = float64(1 << 62)

// RetryPolicy controls how many attempts a stage gets and how long to wait
// between them.
type RetryPolicy struct {
	MaxAttempts int // minimum 1 (1 = no retries)
	Backoff     BackoffConfig
}

// BackoffConfig controls delay timing between attempts.
type BackoffConfig struct {
	Unit     time.Duration // one "second" of backoff; tests shrink it
	Base     float64       // exponential base
	MaxDelay time.Duration // 0 means uncapped
	Jitter   bool          // randomize in [0, delay]
}

// DelayForAttempt returns the wait after failed attempt n (1-based):
// Unit * Base^n, capped at MaxDelay when set. Without jitter, delays are
// non-decreasing in n whenever Base >= 1.
func (b BackoffConfig) DelayForAttempt(attempt int) time.Duration {
	if attempt < 1 || b.Unit <= 0 || b.Base <= 0 {
		return 0
	}
	nanos := float64(b.Unit.Nanoseconds()) * math.Pow(b.Base, float64(attempt))
	if b.MaxDelay > 0 {
		nanos = math.Min(nanos, float64(b.MaxDelay.Nanoseconds()))
	}
	if nanos > maxDelayNanos {
		nanos = maxDelayNanos
	}
	if b.Jitter {
		nanos = rand.Float64() * nanos
	}
	return time.Duration(int64(nanos))
}

// policyFor resolves a stage's policy: Spec values first, then Config, then
// package defaults.
func (o *Orchestrator) policyFor(spec pipeline.Spec) RetryPolicy {
	attempts := spec.MaxRetries
	if attempts <= 0 {
		attempts = o.cfg.DefaultMaxRetries
	}
	if attempts <= 0 {
		attempts = DefaultMaxRetries
	}

	base := spec.BackoffBase
	if base <= 0 {
		base = o.cfg.DefaultBackoffBase
	}
	if base <= 0 {
		base = DefaultBackoffBase
	}

	unit := o.cfg.BackoffUnit
	if unit <= 0 {
		unit = DefaultBackoffUnit
	}

	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff: BackoffConfig{
			Unit:     unit,
			Base:     base,
			MaxDelay: o.cfg.MaxDelay,
			Jitter:   o.cfg.Jitter,
		},
	}
}

// sleepWithContext waits for d, returning false if ctx is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
