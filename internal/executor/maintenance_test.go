package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepulse-crawler/internal/clock"
	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/storage/memory"
)

func TestNewMaintenanceDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewMaintenance(nil, clock.NewManual(testNow), MaintenanceConfig{}, nil)
	require.Error(t, err)

	m, err := NewMaintenance(memory.NewStore(), clock.NewManual(testNow), MaintenanceConfig{}, nil)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, m.cfg.StallThreshold)
	require.Equal(t, 7*24*time.Hour, m.cfg.ArchiveAfter)
}

func TestSweepStuckFailsStalledTasks(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	stalledAt := testNow.Add(-time.Hour)
	recentAt := testNow.Add(-time.Minute)
	store.SetTask(crawler.Task{ID: 1, URLHash: "a", Status: crawler.TaskStatusInProgress, LastProcessedAt: &stalledAt})
	store.SetTask(crawler.Task{ID: 2, URLHash: "b", Status: crawler.TaskStatusInProgress, LastProcessedAt: &recentAt})
	store.SetTask(crawler.Task{ID: 3, URLHash: "c", Status: crawler.TaskStatusPending})

	m, err := NewMaintenance(store, clock.NewManual(testNow), MaintenanceConfig{}, nil)
	require.NoError(t, err)

	n, err := m.SweepStuck(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stalled, err := store.GetTask(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusFailed, stalled.Status)
	recent, err := store.GetTask(context.Background(), 2)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusInProgress, recent.Status)
}

func TestArchiveMovesOldDoneTasks(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	store.SetTask(crawler.Task{ID: 1, URLHash: "old", Status: crawler.TaskStatusDone, UpdatedAt: testNow.Add(-8 * 24 * time.Hour)})
	store.SetTask(crawler.Task{ID: 2, URLHash: "new", Status: crawler.TaskStatusDone, UpdatedAt: testNow.Add(-24 * time.Hour)})
	store.SetTask(crawler.Task{ID: 3, URLHash: "failed", Status: crawler.TaskStatusFailed, UpdatedAt: testNow.Add(-30 * 24 * time.Hour)})

	m, err := NewMaintenance(store, clock.NewManual(testNow), MaintenanceConfig{}, nil)
	require.NoError(t, err)

	res, err := m.Archive(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.ArchiveResult{Copied: 1, Deleted: 1}, res)

	_, archived := store.ArchivedTask(1)
	require.True(t, archived)
	_, err = store.GetTask(context.Background(), 1)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	_, err = store.GetTask(context.Background(), 2)
	require.NoError(t, err)
	_, err = store.GetTask(context.Background(), 3)
	require.NoError(t, err)
}
