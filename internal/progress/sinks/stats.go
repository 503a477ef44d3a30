package sinks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/progress"
)

// StatsSink folds a batch into per-site daily deltas and adds them to the
// store, one write per (site, day) touched.
type StatsSink struct {
	store  crawler.SiteStatsStore
	logger *zap.Logger
}

// NewStatsSink constructs a StatsSink.
func NewStatsSink(store crawler.SiteStatsStore, logger *zap.Logger) (*StatsSink, error) {
	if store == nil {
		return nil, errors.New("site stats store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsSink{store: store, logger: logger.Named("progress")}, nil
}

type statsKey struct {
	siteID int64
	day    time.Time
}

// Consume aggregates batch and writes the deltas. A failed write is returned
// after the remaining deltas have been attempted.
func (s *StatsSink) Consume(ctx context.Context, batch []progress.Event) error {
	deltas := make(map[statsKey]*crawler.SiteStats)
	for _, evt := range batch {
		key := statsKey{siteID: evt.SiteID, day: day(evt.TS)}
		d := deltas[key]
		if d == nil {
			d = &crawler.SiteStats{SiteID: key.siteID, Day: key.day}
			deltas[key] = d
		}
		apply(d, evt)
	}

	var errs []error
	for _, d := range deltas {
		if d.Empty() {
			continue
		}
		if err := s.store.AddSiteStats(ctx, *d); err != nil {
			errs = append(errs, fmt.Errorf("add stats for site %d: %w", d.SiteID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (s *StatsSink) Close(context.Context) error {
	return nil
}

func apply(d *crawler.SiteStats, evt progress.Event) {
	switch evt.Stage {
	case progress.StageFetchDone:
		d.Fetches++
		d.Bytes += evt.Bytes
		if evt.StatusClass != progress.Status2xx && evt.StatusClass != progress.Status3xx {
			d.FetchErrors++
		}
	case progress.StageTaskEnd:
		switch evt.Status {
		case crawler.TaskStatusDone:
			d.Done++
		case crawler.TaskStatusFailed:
			d.Failed++
		case crawler.TaskStatusBroken:
			d.Broken++
		case crawler.TaskStatusPending:
			// Cancelled cycles also land in PENDING; they carry no failure kind.
			if evt.Kind != "" {
				d.Retried++
			}
		}
	}
}

func day(ts time.Time) time.Time {
	y, m, dd := ts.UTC().Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
}
