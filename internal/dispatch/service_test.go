package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/clock"
	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/executor"
	"github.com/JakeFAU/sitepulse-crawler/internal/hash/sha256"
	"github.com/JakeFAU/sitepulse-crawler/internal/storage/memory"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeExecutor struct {
	mu    sync.Mutex
	tasks []crawler.Task
	err   error
}

func (f *fakeExecutor) Execute(_ context.Context, task crawler.Task) (executor.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	if f.err != nil {
		return executor.Outcome{}, f.err
	}
	return executor.Outcome{Status: crawler.TaskStatusDone}, nil
}

func newService(t *testing.T, store *memory.Store, exec TaskExecutor) *Service {
	t.Helper()
	svc, err := New(store, store, exec, sha256.New(), clock.NewManual(now), zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil, nil, nil)
	require.Error(t, err)
}

func TestDispatchInjectsDueSeedsFirst(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	siteID := store.PutSite(crawler.Site{Domain: "news.example", Active: true})
	ruleID := store.PutPageRule(crawler.PageRule{SiteID: siteID, PageType: crawler.PageTypeList, Active: true})
	seedID := store.PutSeed(crawler.Seed{SiteID: siteID, PageRuleID: ruleID, URL: "https://news.example/list", Interval: time.Hour, Active: true})
	store.SetTask(crawler.Task{SiteID: siteID, URL: "https://news.example/a/1", URLHash: "a1", Status: crawler.TaskStatusPending, NextRunAt: now.Add(-time.Minute)})
	exec := &fakeExecutor{}

	worked, err := newService(t, store, exec).Dispatch(context.Background(), crawler.LeasedSite{SiteID: siteID})
	require.NoError(t, err)
	require.True(t, worked)
	require.Empty(t, exec.tasks, "seed injection ends the cycle")

	task, found, err := store.NextPendingTask(context.Background(), siteID, now)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "https://news.example/list", task.URL)
	require.Equal(t, crawler.PageTypeList, task.PageType)
	require.Equal(t, SeedPriority, task.Priority)
	require.Equal(t, SeedDepth, task.Depth)
	require.Equal(t, seedID, task.SeedID)
	require.Equal(t, ruleID, task.PageRuleID)

	due, err := store.DueSeeds(context.Background(), siteID, now)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDispatchReinjectionRelaunchesSameTask(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	siteID := store.PutSite(crawler.Site{Domain: "news.example", Active: true})
	store.PutSeed(crawler.Seed{SiteID: siteID, URL: "https://news.example/list", Interval: time.Hour, Active: true})
	svc, err := New(store, store, &fakeExecutor{}, sha256.New(), clock.NewManual(now), nil)
	require.NoError(t, err)

	_, err = svc.Dispatch(context.Background(), crawler.LeasedSite{SiteID: siteID})
	require.NoError(t, err)
	first, _, err := store.NextPendingTask(context.Background(), siteID, now)
	require.NoError(t, err)
	require.NoError(t, store.TransitionTask(context.Background(), crawler.TaskTransition{TaskID: first.ID, Status: crawler.TaskStatusDone}))

	later := clock.NewManual(now.Add(2 * time.Hour))
	svc, err = New(store, store, &fakeExecutor{}, sha256.New(), later, nil)
	require.NoError(t, err)
	_, err = svc.Dispatch(context.Background(), crawler.LeasedSite{SiteID: siteID})
	require.NoError(t, err)

	again, found, err := store.NextPendingTask(context.Background(), siteID, later.Now())
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, first.ID, again.ID)
}

func TestDispatchExecutesNextPendingTask(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	siteID := store.PutSite(crawler.Site{Domain: "news.example", Active: true})
	store.SetTask(crawler.Task{ID: 10, SiteID: siteID, URLHash: "low", Status: crawler.TaskStatusPending, Priority: 50, NextRunAt: now})
	store.SetTask(crawler.Task{ID: 11, SiteID: siteID, URLHash: "high", Status: crawler.TaskStatusPending, Priority: 60, NextRunAt: now})
	store.SetTask(crawler.Task{ID: 12, SiteID: siteID, URLHash: "later", Status: crawler.TaskStatusPending, Priority: 90, NextRunAt: now.Add(time.Minute)})
	exec := &fakeExecutor{}

	worked, err := newService(t, store, exec).Dispatch(context.Background(), crawler.LeasedSite{SiteID: siteID})
	require.NoError(t, err)
	require.True(t, worked)
	require.Len(t, exec.tasks, 1)
	require.Equal(t, int64(11), exec.tasks[0].ID)
}

func TestDispatchReportsNoWork(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	siteID := store.PutSite(crawler.Site{Domain: "news.example", Active: true})
	store.PutSeed(crawler.Seed{SiteID: siteID, URL: "https://news.example/list", Interval: time.Hour, Active: true, LastGeneratedAt: &now})
	exec := &fakeExecutor{}

	worked, err := newService(t, store, exec).Dispatch(context.Background(), crawler.LeasedSite{SiteID: siteID})
	require.NoError(t, err)
	require.False(t, worked)
	require.Empty(t, exec.tasks)
}

func TestDispatchSurfacesExecutorError(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	siteID := store.PutSite(crawler.Site{Domain: "news.example", Active: true})
	store.SetTask(crawler.Task{SiteID: siteID, URLHash: "x", Status: crawler.TaskStatusPending, NextRunAt: now})
	exec := &fakeExecutor{err: errors.New("db gone")}

	worked, err := newService(t, store, exec).Dispatch(context.Background(), crawler.LeasedSite{SiteID: siteID})
	require.True(t, worked)
	require.ErrorContains(t, err, "db gone")
}

func TestDispatchSeedWithInvalidURL(t *testing.T) {
	t.Parallel()

	store := memory.NewStore()
	siteID := store.PutSite(crawler.Site{Domain: "news.example", Active: true})
	store.PutSeed(crawler.Seed{SiteID: siteID, URL: "://broken", Interval: time.Hour, Active: true})

	worked, err := newService(t, store, &fakeExecutor{}).Dispatch(context.Background(), crawler.LeasedSite{SiteID: siteID})
	require.False(t, worked)
	require.Error(t, err)
}
