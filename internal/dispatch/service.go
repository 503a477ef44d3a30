// Package dispatch decides what a leased site works on during one cycle:
// injecting due seeds or advancing the site's next pending task.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/executor"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
)

// Seed tasks start ahead of discovered links.
const (
	SeedPriority = 100
	SeedDepth    = 1
)

// TaskExecutor runs one claimed task.
type TaskExecutor interface {
	Execute(ctx context.Context, task crawler.Task) (executor.Outcome, error)
}

// Service implements the per-site dispatch decision.
type Service struct {
	seeds  crawler.SeedStore
	tasks  crawler.TaskStore
	exec   TaskExecutor
	keys   executor.URLKeyer
	clock  crawler.Clock
	logger *zap.Logger
}

// New constructs a Service.
func New(
	seeds crawler.SeedStore,
	tasks crawler.TaskStore,
	exec TaskExecutor,
	keys executor.URLKeyer,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Service, error) {
	if seeds == nil || tasks == nil || exec == nil || keys == nil || clock == nil {
		return nil, errors.New("dispatch requires seed store, task store, executor, url keyer and clock")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		seeds:  seeds,
		tasks:  tasks,
		exec:   exec,
		keys:   keys,
		clock:  clock,
		logger: logger.Named("dispatch"),
	}, nil
}

// Dispatch performs one unit of work for site and reports whether any was
// found. Due seeds take precedence; when none are due, the highest-priority
// pending task of the site is executed.
func (s *Service) Dispatch(ctx context.Context, site crawler.LeasedSite) (bool, error) {
	logger := s.logger.With(zap.Int64("site_id", site.SiteID))
	now := s.clock.Now()

	due, err := s.seeds.DueSeeds(ctx, site.SiteID, now)
	if err != nil {
		return false, fmt.Errorf("load due seeds: %w", err)
	}
	if len(due) > 0 {
		return s.inject(ctx, due, logger)
	}

	task, found, err := s.tasks.NextPendingTask(ctx, site.SiteID, now)
	if err != nil {
		return false, fmt.Errorf("load next task: %w", err)
	}
	if !found {
		return false, nil
	}
	out, err := s.exec.Execute(ctx, task)
	if err != nil {
		return true, fmt.Errorf("execute task %d: %w", task.ID, err)
	}
	logger.Debug("task dispatched",
		zap.Int64("task_id", task.ID),
		zap.String("status", string(out.Status)),
		zap.Bool("skipped", out.Skipped),
	)
	return true, nil
}

// inject upserts one LIST task per seed and stamps the seed. A seed that
// fails is logged and retried on a later cycle.
func (s *Service) inject(ctx context.Context, due []crawler.Seed, logger *zap.Logger) (bool, error) {
	now := s.clock.Now()
	var (
		injected int
		errs     []error
	)
	for _, seed := range due {
		if err := s.injectSeed(ctx, seed, now); err != nil {
			logger.Warn("seed injection failed", zap.Int64("seed_id", seed.ID), zap.String("url", seed.URL), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		injected++
		metrics.ObserveTransition(string(crawler.TaskStatusPending), "")
	}
	logger.Info("seeds injected", zap.Int("injected", injected), zap.Int("due", len(due)))
	if injected == 0 {
		return false, errors.Join(errs...)
	}
	return true, nil
}

func (s *Service) injectSeed(ctx context.Context, seed crawler.Seed, now time.Time) error {
	key, err := s.keys.URLKey(seed.URL)
	if err != nil {
		return fmt.Errorf("seed %d url key: %w", seed.ID, err)
	}
	_, err = s.tasks.UpsertTask(ctx, crawler.NewTask{
		SiteID:     seed.SiteID,
		PageRuleID: seed.PageRuleID,
		SeedID:     seed.ID,
		URL:        seed.URL,
		URLHash:    key,
		PageType:   crawler.PageTypeList,
		Priority:   SeedPriority,
		Depth:      SeedDepth,
	}, now)
	if err != nil {
		return fmt.Errorf("seed %d upsert: %w", seed.ID, err)
	}
	if err := s.seeds.MarkSeedGenerated(ctx, seed.ID, now); err != nil {
		return fmt.Errorf("seed %d mark generated: %w", seed.ID, err)
	}
	return nil
}
