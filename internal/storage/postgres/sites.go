package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

const siteColumns = `id, name, domain, base_url, is_active, rate_limit_ms, timeout_ms,
	priority, user_agent, headers, render_js`

// ListSites returns every configured site, active or not.
func (s *Store) ListSites(ctx context.Context) ([]crawler.Site, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+siteColumns+` FROM crawl_site ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()
	var sites []crawler.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return sites, nil
}

// GetSite loads a site by id.
func (s *Store) GetSite(ctx context.Context, id int64) (crawler.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM crawl_site WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Site{}, fmt.Errorf("site %d: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Site{}, fmt.Errorf("get site %d: %w", id, err)
	}
	return site, nil
}

// DueSeeds returns the site's active seeds whose interval has elapsed at now.
func (s *Store) DueSeeds(ctx context.Context, siteID int64, now time.Time) ([]crawler.Seed, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, site_id, page_rule_id, url, interval_seconds, is_active, last_generated_at
FROM crawl_seed
WHERE site_id = $1 AND is_active
	AND (last_generated_at IS NULL OR last_generated_at + make_interval(secs => interval_seconds) <= $2)
ORDER BY id ASC`, siteID, now)
	if err != nil {
		return nil, fmt.Errorf("list due seeds for site %d: %w", siteID, err)
	}
	defer rows.Close()
	var seeds []crawler.Seed
	for rows.Next() {
		var (
			seed     crawler.Seed
			interval int64
		)
		if err := rows.Scan(&seed.ID, &seed.SiteID, &seed.PageRuleID, &seed.URL, &interval,
			&seed.Active, &seed.LastGeneratedAt); err != nil {
			return nil, fmt.Errorf("scan seed: %w", err)
		}
		seed.Interval = time.Duration(interval) * time.Second
		seeds = append(seeds, seed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate seeds: %w", err)
	}
	return seeds, nil
}

// MarkSeedGenerated stamps the seed's last injection time.
func (s *Store) MarkSeedGenerated(ctx context.Context, seedID int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE crawl_seed SET last_generated_at = $2 WHERE id = $1`, seedID, at); err != nil {
		return fmt.Errorf("mark seed %d generated: %w", seedID, err)
	}
	return nil
}

func scanSite(row pgx.Row) (crawler.Site, error) {
	var (
		site        crawler.Site
		rateLimitMs int64
		timeoutMs   int64
		headersJSON []byte
	)
	if err := row.Scan(&site.ID, &site.Name, &site.Domain, &site.BaseURL, &site.Active,
		&rateLimitMs, &timeoutMs, &site.Priority, &site.UserAgent, &headersJSON, &site.RenderJS); err != nil {
		return crawler.Site{}, err
	}
	site.RateLimit = time.Duration(rateLimitMs) * time.Millisecond
	site.Timeout = time.Duration(timeoutMs) * time.Millisecond
	headers, err := decodeHeaders(headersJSON)
	if err != nil {
		return crawler.Site{}, fmt.Errorf("site %d headers: %w", site.ID, err)
	}
	site.Headers = headers
	return site, nil
}

func decodeHeaders(raw []byte) (http.Header, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	if len(flat) == 0 {
		return nil, nil
	}
	h := make(http.Header, len(flat))
	for k, v := range flat {
		h.Set(k, v)
	}
	return h, nil
}
