package scheduler

import (
	"math"
	"time"

	"veritrain-orchestrator/core/apperr"
	"veritrain-orchestrator/core/models"
)

// RetryPolicy controls re-execution of jobs that fail transiently
type RetryPolicy struct {
	MaxAttempts   int // total attempts, including the first
	BackoffBase   time.Duration
	BackoffFactor float64
	MaxBackoff    time.Duration
}

// DefaultRetryPolicy allows two retries after 5s and 10s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   3,
		BackoffBase:   5 * time.Second,
		BackoffFactor: 2,
		MaxBackoff:    5 * time.Minute,
	}
}

// Backoff returns the delay before the next attempt once attempt attempts have run.
// The n-th retry waits base * factor^(n-1).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(p.BackoffBase) * math.Pow(factor, float64(attempt-1)))
	if p.MaxBackoff > 0 && (d > p.MaxBackoff || d < 0) {
		d = p.MaxBackoff
	}
	return d
}

// ShouldRetry reports whether a job of kind that failed with err after
// attempts attempts is re-queued. Training is never retried because a
// partial run is not idempotent.
func (p RetryPolicy) ShouldRetry(kind models.JobKind, attempts int, err error) bool {
	if kind == models.JobKindTrain {
		return false
	}
	if attempts >= p.MaxAttempts {
		return false
	}
	return apperr.IsTransient(err)
}
