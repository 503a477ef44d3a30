package schedule

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/healing"
	"github.com/JakeFAU/sitepulse-crawler/internal/lease"
)

// Job names.
const (
	JobLeaseSync  = "lease-sync"
	JobSweepStuck = "sweep-stuck"
	JobArchive    = "archive"
	JobHeal       = "heal"
	JobUserAgents = "user-agents"
)

// Config holds the cron spec of every job. An empty spec disables the job.
type Config struct {
	LeaseSync  string `mapstructure:"lease_sync"`
	SweepStuck string `mapstructure:"sweep_stuck"`
	Archive    string `mapstructure:"archive"`
	Heal       string `mapstructure:"heal"`
	UserAgents string `mapstructure:"user_agents"`
}

// DefaultConfig returns the standard cadence.
func DefaultConfig() Config {
	return Config{
		LeaseSync:  "@every 60s",
		SweepStuck: "@every 10m",
		Archive:    "0 3 * * *",
		Heal:       "@every 60s",
		UserAgents: "@every 1h",
	}
}

// LeaseSyncer reconciles the lease index with the site store.
type LeaseSyncer interface {
	SyncFrom(ctx context.Context, sites crawler.SiteStore) (lease.SyncResult, error)
}

// Maintainer reclaims stuck tasks and archives finished ones.
type Maintainer interface {
	SweepStuck(ctx context.Context) (int64, error)
	Archive(ctx context.Context) (crawler.ArchiveResult, error)
}

// BatchHealer runs one self-healing scan.
type BatchHealer interface {
	RunBatch(ctx context.Context) (healing.BatchResult, error)
}

// Refresher reloads a cache.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Targets are what the jobs invoke. Nil targets skip their job.
type Targets struct {
	Sites       crawler.SiteStore
	Leases      LeaseSyncer
	Maintenance Maintainer
	Healer      BatchHealer
	UserAgents  Refresher
}

// Register adds every configured job with a target to s.
func Register(s *Scheduler, cfg Config, t Targets) error {
	var jobs []Job
	if t.Leases != nil && t.Sites != nil {
		jobs = append(jobs, Job{Name: JobLeaseSync, Spec: cfg.LeaseSync, Run: func(ctx context.Context) error {
			_, err := t.Leases.SyncFrom(ctx, t.Sites)
			return err
		}})
	}
	if t.Maintenance != nil {
		jobs = append(jobs,
			Job{Name: JobSweepStuck, Spec: cfg.SweepStuck, Run: func(ctx context.Context) error {
				_, err := t.Maintenance.SweepStuck(ctx)
				return err
			}},
			Job{Name: JobArchive, Spec: cfg.Archive, Run: func(ctx context.Context) error {
				_, err := t.Maintenance.Archive(ctx)
				return err
			}},
		)
	}
	if t.Healer != nil {
		jobs = append(jobs, Job{Name: JobHeal, Spec: cfg.Heal, Run: func(ctx context.Context) error {
			_, err := t.Healer.RunBatch(ctx)
			return err
		}})
	}
	if t.UserAgents != nil {
		jobs = append(jobs, Job{Name: JobUserAgents, Spec: cfg.UserAgents, Run: t.UserAgents.Refresh})
	}

	for _, job := range jobs {
		if job.Spec == "" {
			s.logger.Info("job disabled", zap.String("job", job.Name))
			continue
		}
		if err := s.Add(job); err != nil {
			return fmt.Errorf("register %s: %w", job.Name, err)
		}
	}
	return nil
}
