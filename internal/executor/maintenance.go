package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// MaintenanceConfig tunes the periodic task clean-up jobs.
type MaintenanceConfig struct {
	StallThreshold time.Duration
	ArchiveAfter   time.Duration
}

// Maintenance reclaims stalled tasks and archives finished ones.
type Maintenance struct {
	tasks  crawler.TaskStore
	clock  crawler.Clock
	cfg    MaintenanceConfig
	logger *zap.Logger
}

// NewMaintenance constructs a Maintenance runner.
func NewMaintenance(tasks crawler.TaskStore, clock crawler.Clock, cfg MaintenanceConfig, logger *zap.Logger) (*Maintenance, error) {
	if tasks == nil || clock == nil {
		return nil, errors.New("task store and clock are required")
	}
	if cfg.StallThreshold <= 0 {
		cfg.StallThreshold = 30 * time.Minute
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Maintenance{tasks: tasks, clock: clock, cfg: cfg, logger: logger.Named("maintenance")}, nil
}

// SweepStuck fails tasks left IN_PROGRESS longer than the stall threshold,
// which happens when a worker dies mid-task.
func (m *Maintenance) SweepStuck(ctx context.Context) (int64, error) {
	cutoff := m.clock.Now().Add(-m.cfg.StallThreshold)
	n, err := m.tasks.ReclaimStuckTasks(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stuck tasks: %w", err)
	}
	if n > 0 {
		m.logger.Warn("reclaimed stuck tasks", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// Archive moves DONE tasks older than the retention into history.
func (m *Maintenance) Archive(ctx context.Context) (crawler.ArchiveResult, error) {
	before := m.clock.Now().Add(-m.cfg.ArchiveAfter)
	res, err := m.tasks.ArchiveDoneTasks(ctx, before)
	if err != nil {
		return crawler.ArchiveResult{}, fmt.Errorf("archive done tasks: %w", err)
	}
	if res.Copied != res.Deleted {
		m.logger.Warn("archive copied and deleted counts differ",
			zap.Int64("copied", res.Copied), zap.Int64("deleted", res.Deleted))
	}
	m.logger.Info("archived done tasks", zap.Int64("deleted", res.Deleted), zap.Time("before", before))
	return res, nil
}
