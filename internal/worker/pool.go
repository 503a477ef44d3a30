// Package worker runs the site crawl loop: one producer leases eligible
// sites into a bounded queue and a fixed set of consumers run one dispatch
// cycle per site under a lease heartbeat.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
	"github.com/JakeFAU/sitepulse-crawler/internal/queue/memory"
)

// Dispatcher performs one unit of work for a leased site and reports whether
// any work was found.
type Dispatcher interface {
	Dispatch(ctx context.Context, site crawler.LeasedSite) (bool, error)
}

// Config controls Pool behavior.
type Config struct {
	Concurrency      int           `mapstructure:"concurrency"`
	BatchSize        int           `mapstructure:"batch_size"`
	LeaseDuration    time.Duration `mapstructure:"lease_duration"`
	FallbackDelay    time.Duration `mapstructure:"fallback_delay"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	DefaultRateLimit time.Duration `mapstructure:"default_rate_limit"`
	BusyBackoff      time.Duration `mapstructure:"busy_backoff"`
	IdleBackoff      time.Duration `mapstructure:"idle_backoff"`
	RescheduleWait   time.Duration `mapstructure:"reschedule_wait"`
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = max(5, c.Concurrency/3)
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = time.Minute
	}
	if c.FallbackDelay <= 0 {
		c.FallbackDelay = time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Minute
	}
	if c.DefaultRateLimit <= 0 {
		c.DefaultRateLimit = time.Second
	}
	if c.BusyBackoff <= 0 {
		c.BusyBackoff = 100 * time.Millisecond
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = time.Second
	}
	if c.RescheduleWait <= 0 {
		c.RescheduleWait = 5 * time.Second
	}
}

// Pool is the producer/consumer loop over the lease store.
type Pool struct {
	leases     crawler.LeaseStore
	dispatcher Dispatcher
	queue      *memory.Queue
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Pool.
func New(leases crawler.LeaseStore, dispatcher Dispatcher, cfg Config, logger *zap.Logger) (*Pool, error) {
	if leases == nil {
		return nil, errors.New("lease store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Pool{
		leases:     leases,
		dispatcher: dispatcher,
		queue:      memory.NewQueue(max(cfg.BatchSize, cfg.Concurrency)),
		cfg:        cfg,
		logger:     logger.Named("worker"),
	}, nil
}

// Run blocks until ctx is done. Consumers finish their current cycle, and
// sites still waiting in the queue are released so other processes can pick
// them up immediately.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	consumers := p.cfg.Concurrency
	for i := 0; i < consumers; i++ {
		go func(index int) {
			defer func() { done <- struct{}{} }()
			p.consume(ctx, index)
		}(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("concurrency", consumers),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	p.produce(ctx)
	for i := 0; i < consumers; i++ {
		<-done
	}
	p.queue.Close()
	for _, site := range p.queue.Drain() {
		p.reschedule(ctx, site, 0, p.logger.With(zap.Int64("site_id", site.SiteID)))
	}
	p.logger.Info("worker pool stopped")
}

func (p *Pool) produce(ctx context.Context) {
	for ctx.Err() == nil {
		if p.queue.Len() > 0 {
			sleep(ctx, p.cfg.BusyBackoff)
			continue
		}
		sites, err := p.leases.PopEligible(ctx, p.cfg.BatchSize, p.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() == nil {
				metrics.ObserveLeaseError("pop")
				p.logger.Warn("pop eligible sites failed", zap.Error(err))
			}
			sleep(ctx, p.cfg.IdleBackoff)
			continue
		}
		if len(sites) == 0 {
			sleep(ctx, p.cfg.IdleBackoff)
			continue
		}
		metrics.ObserveSitesPopped(len(sites))
		for i, site := range sites {
			if err := p.queue.Enqueue(ctx, site); err != nil {
				for _, rest := range sites[i:] {
					p.reschedule(ctx, rest, 0, p.logger.With(zap.Int64("site_id", rest.SiteID)))
				}
				return
			}
		}
	}
}

func (p *Pool) consume(ctx context.Context, index int) {
	logger := p.logger.With(zap.Int("consumer", index))
	for {
		site, wait, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		metrics.ObserveHandoffWait(wait)
		if ctx.Err() != nil {
			p.reschedule(ctx, site, 0, logger.With(zap.Int64("site_id", site.SiteID)))
			return
		}
		p.process(ctx, site, logger.With(zap.Int64("site_id", site.SiteID)))
	}
}

// process runs one dispatch cycle for site and always reschedules it, even
// when the cycle fails, panics, or is cancelled.
func (p *Pool) process(ctx context.Context, site crawler.LeasedSite, logger *zap.Logger) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	delay := site.Metadata.RateLimit()
	if delay <= 0 {
		delay = p.cfg.DefaultRateLimit
	}
	outcome := "worked"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			logger.Error("site cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		p.reschedule(ctx, site, delay, logger)
		metrics.ObserveSiteCycle(outcome)
	}()

	worked, err := p.runWithHeartbeat(ctx, site, logger)
	switch {
	case err != nil:
		outcome = "error"
		logger.Error("site cycle failed", zap.Error(err))
	case !worked:
		outcome = "idle"
		delay = p.cfg.FallbackDelay
	}
}

// runWithHeartbeat dispatches site while a heartbeat keeps its lease alive.
// The heartbeat is stopped and joined before this returns.
func (p *Pool) runWithHeartbeat(ctx context.Context, site crawler.LeasedSite, logger *zap.Logger) (bool, error) {
	timeout := site.Metadata.Timeout()
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	if timeout > p.cfg.LeaseDuration {
		// The pop lease is shorter than this site's timeout; cover the gap
		// before the first heartbeat.
		if err := p.leases.ExtendLease(ctx, site.SiteID, timeout); err != nil {
			metrics.ObserveLeaseError("extend")
			logger.Warn("initial lease extension failed", zap.Error(err))
		}
	}

	hbCtx, stop := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		p.heartbeat(hbCtx, site.SiteID, timeout, logger)
	}()
	defer func() {
		stop()
		<-stopped
	}()

	return p.dispatcher.Dispatch(ctx, site)
}

func (p *Pool) heartbeat(ctx context.Context, siteID int64, timeout time.Duration, logger *zap.Logger) {
	interval := timeout / 2
	if interval <= 0 {
		interval = timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.leases.ExtendLease(ctx, siteID, timeout)
			if ctx.Err() != nil {
				return
			}
			metrics.ObserveHeartbeat(err)
			if err != nil {
				logger.Warn("lease heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) reschedule(ctx context.Context, site crawler.LeasedSite, delay time.Duration, logger *zap.Logger) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.RescheduleWait)
	defer cancel()
	if err := p.leases.CompleteAndReschedule(rctx, site.SiteID, delay); err != nil {
		metrics.ObserveLeaseError("reschedule")
		logger.Error("reschedule site failed", zap.Duration("delay", delay), zap.Error(err))
		return
	}
	logger.Debug("site rescheduled", zap.Duration("delay", delay))
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
