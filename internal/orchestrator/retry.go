package orchestrator

import (
	"time"

	"github.com/lucidnotes/doc-pipeline/internal/common"
	"github.com/lucidnotes/doc-pipeline/internal/entity"
)

// RetryPolicy decides what happens after a failed stage attempt:
// exponential backoff up to a hard attempt ceiling, with permanent
// failures abandoning immediately regardless of remaining attempts.
type RetryPolicy struct {
	Base     time.Duration // backoff base; delay = Base * 2^attempts
	MaxDelay time.Duration // backoff cap
}

// Decision is the retry policy's verdict for one failure.
type Decision struct {
	Retry bool
	After time.Duration
}

// DefaultRetryPolicy mirrors the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 2 * time.Second, MaxDelay: 2 * time.Minute}
}

// Decide evaluates the failure of job's most recent attempt. AttemptCount
// already includes that attempt.
func (p RetryPolicy) Decide(job *entity.Job, err error) Decision {
	if common.IsPermanent(err) {
		return Decision{Retry: false}
	}
	if job.AttemptCount >= job.MaxAttempts {
		return Decision{Retry: false}
	}
	return Decision{Retry: true, After: p.backoff(job.AttemptCount)}
}

func (p RetryPolicy) backoff(attempts int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
