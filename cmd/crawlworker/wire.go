package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/api"
	"github.com/JakeFAU/sitepulse-crawler/internal/clock"
	"github.com/JakeFAU/sitepulse-crawler/internal/config"
	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/dedup"
	"github.com/JakeFAU/sitepulse-crawler/internal/dispatch"
	"github.com/JakeFAU/sitepulse-crawler/internal/executor"
	collyfetcher "github.com/JakeFAU/sitepulse-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/sitepulse-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/sitepulse-crawler/internal/hash/sha256"
	"github.com/JakeFAU/sitepulse-crawler/internal/headless/detector"
	"github.com/JakeFAU/sitepulse-crawler/internal/healing"
	"github.com/JakeFAU/sitepulse-crawler/internal/id/uuid"
	"github.com/JakeFAU/sitepulse-crawler/internal/lease"
	"github.com/JakeFAU/sitepulse-crawler/internal/llm/anthropic"
	"github.com/JakeFAU/sitepulse-crawler/internal/llm/gemini"
	"github.com/JakeFAU/sitepulse-crawler/internal/logging"
	"github.com/JakeFAU/sitepulse-crawler/internal/progress"
	"github.com/JakeFAU/sitepulse-crawler/internal/progress/sinks"
	"github.com/JakeFAU/sitepulse-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/sitepulse-crawler/internal/rotation"
	"github.com/JakeFAU/sitepulse-crawler/internal/schedule"
	"github.com/JakeFAU/sitepulse-crawler/internal/storage/gcs"
	"github.com/JakeFAU/sitepulse-crawler/internal/storage/local"
	"github.com/JakeFAU/sitepulse-crawler/internal/storage/memory"
	"github.com/JakeFAU/sitepulse-crawler/internal/storage/postgres"
	"github.com/JakeFAU/sitepulse-crawler/internal/worker"
)

// store is everything the relational backend provides.
type store interface {
	crawler.TaskStore
	crawler.RuleStore
	crawler.SiteStore
	crawler.SeedStore
	crawler.ProxyStore
	crawler.UserAgentStore
	crawler.SiteStatsStore
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// service holds the wired components and what must be closed on exit.
type service struct {
	workerID   string
	store      store
	leases     *lease.Store
	pool       *worker.Pool
	scheduler  *schedule.Scheduler
	healer     *healing.Healer
	userAgents *rotation.UserAgents
	hub        *progress.Hub
	checks     map[string]api.Pinger
	closers    []func()
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func (s *service) apiDeps() api.Deps {
	deps := api.Deps{
		Tasks:  s.store,
		Rules:  s.store,
		Sites:  s.store,
		Leases: s.leases,
		Stats:  s.store,
		Clock:  clock.System{},
		Checks: s.checks,
	}
	if s.healer != nil {
		deps.Healer = s.healer
	}
	return deps
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *service, err error) {
	svc := &service{checks: map[string]api.Pinger{}}
	defer func() {
		if err != nil {
			svc.close()
		}
	}()
	clk := clock.System{}

	svc.workerID, err = uuid.NewUUIDGenerator().WorkerID()
	if err != nil {
		return nil, err
	}
	logger = logging.ForWorker(logger, cfg.Logging, svc.workerID)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	svc.closers = append(svc.closers, func() {
		if err := rdb.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	svc.checks["redis"] = pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	if svc.store, err = openStore(ctx, cfg.DB, svc, logger); err != nil {
		return nil, err
	}

	svc.leases, err = lease.New(rdb, clk, lease.Config{
		QueueKey:    cfg.Lease.QueueKey,
		MetadataKey: cfg.Lease.MetadataKey,
	}, logger)
	if err != nil {
		return nil, err
	}
	if _, err := svc.leases.SyncFrom(ctx, svc.store); err != nil {
		return nil, fmt.Errorf("initial lease sync: %w", err)
	}

	filter, err := dedup.NewFilter(rdb, dedup.FilterConfig{BitmapSize: cfg.Dedup.BitmapSize, HashCount: cfg.Dedup.HashCount})
	if err != nil {
		return nil, err
	}
	window, err := dedup.NewWindow(filter, clk, dedup.WindowConfig{KeyPrefix: cfg.Dedup.KeyPrefix, Retention: cfg.Dedup.Retention})
	if err != nil {
		return nil, err
	}

	deps := executor.Deps{
		Tasks:   svc.store,
		Rules:   svc.store,
		Sites:   svc.store,
		Dedup:   window,
		Fetcher: collyfetcher.New(cfg.Fetch, logger),
		Keys:    sha256.New(),
		Clock:   clk,
	}
	if cfg.Headless.Enabled {
		browser, err := headlessfetcher.NewChromedp(cfg.Headless.Chromedp, logger)
		if err != nil {
			logger.Warn("headless fetcher init failed, continuing without it", zap.Error(err))
		} else {
			svc.closers = append(svc.closers, browser.Close)
			deps.Headless = browser
			deps.Detector = detector.NewHeuristic(cfg.Headless.Detector)
		}
	}
	if err := wireOutputs(ctx, cfg, &deps, svc, logger); err != nil {
		return nil, err
	}
	if cfg.Rotation.UserAgents {
		svc.userAgents, err = rotation.NewUserAgents(svc.store, rdb, logger)
		if err != nil {
			return nil, err
		}
		if err := svc.userAgents.Refresh(ctx); err != nil {
			logger.Warn("initial user agent load failed", zap.Error(err))
		}
		deps.UserAgents = svc.userAgents
	}
	if cfg.Rotation.Proxies {
		proxies, err := rotation.NewProxies(svc.store, clk, logger)
		if err != nil {
			return nil, err
		}
		deps.Proxies = proxies
	}

	if cfg.Progress.Enabled {
		if svc.hub, err = newHub(cfg.Progress.Hub, svc.store, logger); err != nil {
			return nil, err
		}
		deps.Progress = svc.hub
	}

	exec, err := executor.New(deps, executor.Config{
		WorkerID:       svc.workerID,
		Retry:          cfg.Retry.Policy(),
		DefaultTimeout: cfg.Worker.DefaultTimeout,
		SnapshotPrefix: cfg.Storage.Prefix,
	}, logger)
	if err != nil {
		return nil, err
	}
	dispatcher, err := dispatch.New(svc.store, svc.store, exec, deps.Keys, clk, logger)
	if err != nil {
		return nil, err
	}
	svc.pool, err = worker.New(svc.leases, dispatcher, cfg.Worker, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Healing.Enabled {
		recommender, err := newRecommender(ctx, cfg.LLM, logger)
		if err != nil {
			return nil, err
		}
		svc.healer, err = healing.New(healing.Deps{
			Tasks:       svc.store,
			Rules:       svc.store,
			Sites:       svc.store,
			Fetcher:     exec,
			Recommender: recommender,
			Clock:       clk,
		}, cfg.Healing.Repair, logger)
		if err != nil {
			return nil, err
		}
	}

	maintenance, err := executor.NewMaintenance(svc.store, clk, executor.MaintenanceConfig{
		StallThreshold: cfg.Maintenance.StallThreshold,
		ArchiveAfter:   cfg.Maintenance.ArchiveAfter,
	}, logger)
	if err != nil {
		return nil, err
	}
	locker, err := lease.NewLocker(rdb, svc.workerID)
	if err != nil {
		return nil, err
	}
	svc.scheduler = schedule.New(locker, logger)
	targets := schedule.Targets{
		Sites:       svc.store,
		Leases:      svc.leases,
		Maintenance: maintenance,
	}
	if svc.healer != nil {
		targets.Healer = svc.healer
	}
	if svc.userAgents != nil {
		targets.UserAgents = svc.userAgents
	}
	if err := schedule.Register(svc.scheduler, cfg.Schedule, targets); err != nil {
		return nil, err
	}
	return svc, nil
}

func openStore(ctx context.Context, cfg config.DBConfig, svc *service, logger *zap.Logger) (store, error) {
	if cfg.DSN == "" {
		logger.Warn("db.dsn is empty, using the in-memory store")
		return memory.NewStore(), nil
	}
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, pg.Close)
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	svc.checks["postgres"] = pg
	return pg, nil
}

// wireOutputs attaches the optional event publisher and snapshot store.
func wireOutputs(ctx context.Context, cfg config.Config, deps *executor.Deps, svc *service, logger *zap.Logger) error {
	if cfg.PubSub.ProjectID != "" {
		pub, err := pubsub.Open(ctx, cfg.PubSub)
		if err != nil {
			return err
		}
		svc.closers = append(svc.closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		})
		deps.Publisher = pub
	}

	switch cfg.Storage.Backend {
	case config.StorageLocal:
		blobs, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return err
		}
		deps.Blobs = blobs
	case config.StorageGCS:
		blobs, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.Storage.GCSBucket, Gzip: cfg.Storage.Compress})
		if err != nil {
			return err
		}
		svc.closers = append(svc.closers, func() {
			if err := blobs.Close(); err != nil {
				logger.Warn("gcs close failed", zap.Error(err))
			}
		})
		deps.Blobs = blobs
	}
	return nil
}

// newHub feeds task lifecycle events to the log, Prometheus, and the daily
// site stats table.
func newHub(cfg progress.Config, stats crawler.SiteStatsStore, logger *zap.Logger) (*progress.Hub, error) {
	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, err
	}
	statsSink, err := sinks.NewStatsSink(stats, logger)
	if err != nil {
		return nil, err
	}
	return progress.NewHub(cfg, logger, sinks.NewLogSink(logger), promSink, statsSink), nil
}

func newRecommender(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (crawler.Recommender, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return gemini.New(ctx, cfg.Gemini, logger)
	default:
		return anthropic.New(cfg.Anthropic, logger)
	}
}
