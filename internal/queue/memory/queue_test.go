package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

func TestQueueReportsWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := NewQueue(2)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	require.NoError(t, q.Enqueue(ctx, crawler.LeasedSite{SiteID: 7}))
	now = now.Add(3 * time.Second)
	require.NoError(t, q.Enqueue(ctx, crawler.LeasedSite{SiteID: 8}))
	now = now.Add(time.Second)

	site, wait, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(7), site.SiteID)
	require.Equal(t, 4*time.Second, wait)

	site, wait, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(8), site.SiteID)
	require.Equal(t, time.Second, wait)
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	got := make(chan int64, 1)
	go func() {
		site, _, err := q.Dequeue(context.Background())
		if err == nil {
			got <- site.SiteID
		}
	}()
	require.NoError(t, q.Enqueue(context.Background(), crawler.LeasedSite{SiteID: 3}))
	select {
	case id := <-got:
		require.Equal(t, int64(3), id)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return site")
	}
}

func TestQueueCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewQueue(1)
	_, _, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, q.Enqueue(context.Background(), crawler.LeasedSite{SiteID: 1}))
	require.ErrorIs(t, q.Enqueue(ctx, crawler.LeasedSite{SiteID: 2}), context.Canceled)
}

func TestQueueDrainAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := NewQueue(3)
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, q.Enqueue(ctx, crawler.LeasedSite{SiteID: id}))
	}
	require.Equal(t, 3, q.Len())

	q.Close()
	q.Close()
	require.ErrorIs(t, q.Enqueue(ctx, crawler.LeasedSite{SiteID: 4}), ErrClosed)

	site, _, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), site.SiteID)

	drained := q.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, int64(2), drained[0].SiteID)

	_, _, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
