package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// AddSiteStats adds delta to the row of (delta.SiteID, delta.Day), creating it when absent.
func (s *Store) AddSiteStats(ctx context.Context, delta crawler.SiteStats) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO crawl_site_stats
	(site_id, day, fetches, fetch_errors, bytes, done, retried, failed, broken)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (site_id, day) DO UPDATE SET
	fetches = crawl_site_stats.fetches + EXCLUDED.fetches,
	fetch_errors = crawl_site_stats.fetch_errors + EXCLUDED.fetch_errors,
	bytes = crawl_site_stats.bytes + EXCLUDED.bytes,
	done = crawl_site_stats.done + EXCLUDED.done,
	retried = crawl_site_stats.retried + EXCLUDED.retried,
	failed = crawl_site_stats.failed + EXCLUDED.failed,
	broken = crawl_site_stats.broken + EXCLUDED.broken`,
		delta.SiteID, delta.Day, delta.Fetches, delta.FetchErrors, delta.Bytes,
		delta.Done, delta.Retried, delta.Failed, delta.Broken)
	if err != nil {
		return fmt.Errorf("add site stats %d: %w", delta.SiteID, err)
	}
	return nil
}

// ListSiteStats returns the daily rows of siteID from since onward, oldest first.
func (s *Store) ListSiteStats(ctx context.Context, siteID int64, since time.Time) ([]crawler.SiteStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT site_id, day, fetches, fetch_errors, bytes, done, retried, failed, broken
FROM crawl_site_stats
WHERE site_id = $1 AND day >= $2
ORDER BY day ASC`, siteID, since)
	if err != nil {
		return nil, fmt.Errorf("list site stats %d: %w", siteID, err)
	}
	defer rows.Close()
	var out []crawler.SiteStats
	for rows.Next() {
		var st crawler.SiteStats
		if err := rows.Scan(&st.SiteID, &st.Day, &st.Fetches, &st.FetchErrors, &st.Bytes,
			&st.Done, &st.Retried, &st.Failed, &st.Broken); err != nil {
			return nil, fmt.Errorf("scan site stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate site stats: %w", err)
	}
	return out, nil
}
