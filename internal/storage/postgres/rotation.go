package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

// AllocateProxy hands out the least recently used active proxy and stamps its use.
func (s *Store) AllocateProxy(ctx context.Context, at time.Time) (crawler.Proxy, bool, error) {
	var p crawler.Proxy
	err := s.pool.QueryRow(ctx, `UPDATE crawl_proxy SET last_used_at = $1
WHERE id = (
	SELECT id FROM crawl_proxy
	WHERE is_active
	ORDER BY last_used_at ASC NULLS FIRST, id ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, url, is_active, fail_count, last_used_at`, at).
		Scan(&p.ID, &p.URL, &p.Active, &p.FailCount, &p.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Proxy{}, false, nil
	}
	if err != nil {
		return crawler.Proxy{}, false, fmt.Errorf("allocate proxy: %w", err)
	}
	return p, true, nil
}

// ReportProxy resets the failure count on success (penalty 0) or adds the
// penalty, deactivating the proxy once the count reaches deactivateAt.
func (s *Store) ReportProxy(ctx context.Context, id int64, penalty int, deactivateAt int) error {
	var err error
	if penalty <= 0 {
		_, err = s.pool.Exec(ctx, `UPDATE crawl_proxy SET fail_count = 0 WHERE id = $1`, id)
	} else {
		_, err = s.pool.Exec(ctx, `UPDATE crawl_proxy
SET fail_count = fail_count + $2, is_active = (fail_count + $2) < $3
WHERE id = $1`, id, penalty, deactivateAt)
	}
	if err != nil {
		return fmt.Errorf("report proxy %d: %w", id, err)
	}
	return nil
}

// ListUserAgents returns the active user agents.
func (s *Store) ListUserAgents(ctx context.Context) ([]crawler.UserAgent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, value, is_mobile, is_active FROM crawl_user_agent
WHERE is_active ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list user agents: %w", err)
	}
	defer rows.Close()
	var agents []crawler.UserAgent
	for rows.Next() {
		var ua crawler.UserAgent
		if err := rows.Scan(&ua.ID, &ua.Value, &ua.Mobile, &ua.Active); err != nil {
			return nil, fmt.Errorf("scan user agent: %w", err)
		}
		agents = append(agents, ua)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user agents: %w", err)
	}
	return agents, nil
}

// DeactivateUserAgent removes a user agent from rotation.
func (s *Store) DeactivateUserAgent(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `UPDATE crawl_user_agent SET is_active = FALSE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deactivate user agent %d: %w", id, err)
	}
	return nil
}
