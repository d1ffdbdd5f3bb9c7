package scheduler

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vidforge/renderqueue/internal/queue"
)

// RetryPolicy decides whether and when a failed job re-enters the pending
// queue.
type RetryPolicy struct {
	// BaseBackoff is the delay after the first failed attempt.
	BaseBackoff time.Duration
	// Multiplier grows the delay exponentially per attempt.
	Multiplier float64
	// MaxBackoff caps the delay.
	MaxBackoff time.Duration
	// TimeoutIsPermanent flips timed-out jobs from retryable to terminal,
	// for job bodies known to be non-idempotent.
	TimeoutIsPermanent bool
}

// DefaultRetryPolicy mirrors the configuration defaults.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		BaseBackoff: time.Second,
		Multiplier:  2.0,
		MaxBackoff:  5 * time.Minute,
	}
}

// Retryable classifies a runner failure. Permanent failures never retry;
// timeouts follow TimeoutIsPermanent; everything else is assumed transient,
// bounded by the job's attempt ceiling.
func (p *RetryPolicy) Retryable(err error) bool {
	if queue.IsPermanent(err) {
		return false
	}
	if errors.Is(err, queue.ErrJobTimeout) {
		return !p.TimeoutIsPermanent
	}
	return true
}

// ShouldRetry reports whether the job should be re-admitted after err.
func (p *RetryPolicy) ShouldRetry(job *queue.Job, err error) bool {
	return !job.AttemptsExhausted() && p.Retryable(err)
}

// Backoff returns the jittered delay before the job's next attempt. The
// jitter spreads re-admission when many jobs fail at once against a shared
// dependency.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseBackoff
	bo.Multiplier = p.Multiplier
	bo.MaxInterval = p.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}
