package crawler

import (
	"math"
	"time"
)

// RetryPolicy computes exponential backoff for retryable task failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns five retries starting at five seconds, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  5 * time.Second,
		Multiplier: 2,
		MaxDelay:   time.Hour,
	}
}

// Backoff returns the delay before the attempt that follows retry number retryCount (1-based).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	delay := float64(p.BaseDelay) * math.Pow(multiplier, float64(retryCount-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Next computes the transition for a task that failed with kind.
// A retryable failure below MaxRetries increments the retry count and
// schedules the task again; once the count has reached MaxRetries the task
// fails terminally.
func (p RetryPolicy) Next(task Task, kind FailureKind, now time.Time) TaskTransition {
	transition := TaskTransition{
		TaskID:     task.ID,
		RetryCount: task.RetryCount,
		NextRunAt:  task.NextRunAt,
	}
	switch kind {
	case FailureRetryable:
		if task.RetryCount < p.MaxRetries {
			transition.RetryCount = task.RetryCount + 1
			transition.Status = TaskStatusPending
			transition.NextRunAt = now.Add(p.Backoff(transition.RetryCount))
			return transition
		}
		transition.Status = TaskStatusFailed
	case FailureStructural:
		transition.Status = TaskStatusBroken
	default:
		transition.Status = TaskStatusFailed
	}
	return transition
}
