package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// DefaultKeyPrefix prefixes the monthly bucket keys.
const DefaultKeyPrefix = "crawler:visited:"

type bloom interface {
	Add(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Contains(ctx context.Context, key, value string) (bool, error)
}

// WindowConfig controls bucket naming and retention.
type WindowConfig struct {
	KeyPrefix string
	Retention time.Duration
}

// Window treats a value as seen if it is in the current or the previous
// month's bucket, and otherwise marks it in the current bucket. The
// current-bucket check and mark are one atomic Add.
type Window struct {
	filter bloom
	clock  crawler.Clock
	cfg    WindowConfig
}

// NewWindow creates a Window over filter.
func NewWindow(filter bloom, clock crawler.Clock, cfg WindowConfig) (*Window, error) {
	if filter == nil {
		return nil, errors.New("bloom filter is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 60 * 24 * time.Hour
	}
	return &Window{filter: filter, clock: clock, cfg: cfg}, nil
}

// SeenOrMark implements crawler.DedupWindow.
func (w *Window) SeenOrMark(ctx context.Context, value string) (bool, error) {
	now := w.clock.Now().UTC()
	current, previous := w.bucketKeys(now)

	seen, err := w.filter.Contains(ctx, previous, value)
	if err != nil {
		return false, err
	}
	if seen {
		return true, nil
	}
	added, err := w.filter.Add(ctx, current, value, w.cfg.Retention)
	if err != nil {
		return false, err
	}
	return !added, nil
}

func (w *Window) bucketKeys(now time.Time) (string, string) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	prev := first.AddDate(0, -1, 0)
	return w.cfg.KeyPrefix + first.Format("200601"), w.cfg.KeyPrefix + prev.Format("200601")
}

// Seen reports whether value is in the current or previous bucket without marking it.
func (w *Window) Seen(ctx context.Context, value string) (bool, error) {
	current, previous := w.bucketKeys(w.clock.Now().UTC())
	for _, key := range []string{current, previous} {
		ok, err := w.filter.Contains(ctx, key, value)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Mark records value in the current bucket.
func (w *Window) Mark(ctx context.Context, value string) error {
	current, _ := w.bucketKeys(w.clock.Now().UTC())
	_, err := w.filter.Add(ctx, current, value, w.cfg.Retention)
	return err
}

var _ crawler.DedupWindow = (*Window)(nil)
