package crawler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyBackoffIsMonotonic(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	require.Equal(t, 5*time.Second, p.Backoff(1))
	require.Equal(t, 10*time.Second, p.Backoff(2))
	require.Equal(t, 20*time.Second, p.Backoff(3))

	prev := time.Duration(0)
	for n := 1; n <= 20; n++ {
		d := p.Backoff(n)
		require.GreaterOrEqual(t, d, prev, "attempt %d", n)
		require.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
}

func TestRetryPolicyRetryableUntilMax(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	now := time.Unix(1_700_000_000, 0).UTC()
	task := Task{ID: 7, Status: TaskStatusInProgress}

	for i := 1; i <= p.MaxRetries; i++ {
		tr := p.Next(task, FailureRetryable, now)
		require.Equal(t, TaskStatusPending, tr.Status)
		require.Equal(t, i, tr.RetryCount)
		require.Equal(t, now.Add(p.Backoff(i)), tr.NextRunAt)
		task.RetryCount = tr.RetryCount
	}

	tr := p.Next(task, FailureRetryable, now)
	require.Equal(t, TaskStatusFailed, tr.Status)
	require.Equal(t, p.MaxRetries, tr.RetryCount)
}

func TestRetryPolicyFirstRetryUsesBaseDelay(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	tr := DefaultRetryPolicy().Next(Task{ID: 1}, FailureRetryable, now)
	require.Equal(t, TaskStatusPending, tr.Status)
	require.Equal(t, 1, tr.RetryCount)
	require.Equal(t, now.Add(5*time.Second), tr.NextRunAt)
}

func TestRetryPolicyTerminalKinds(t *testing.T) {
	t.Parallel()

	now := time.Now()
	task := Task{ID: 3, RetryCount: 2}
	p := DefaultRetryPolicy()

	fatal := p.Next(task, FailureFatal, now)
	require.Equal(t, TaskStatusFailed, fatal.Status)
	require.Equal(t, 2, fatal.RetryCount)

	broken := p.Next(task, FailureStructural, now)
	require.Equal(t, TaskStatusBroken, broken.Status)
	require.Equal(t, 2, broken.RetryCount)
}
