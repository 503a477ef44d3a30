package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

const taskColumns = `id, site_id, COALESCE(page_rule_id, 0), COALESCE(seed_id, 0), COALESCE(parent_id, 0),
	url, url_hash, page_type, status, priority, depth, retry_count, next_run_at,
	last_processed_at, COALESCE(worker_id, ''), created_at, updated_at`

const upsertTaskSQL = `
INSERT INTO crawl_task (
	site_id, page_rule_id, seed_id, parent_id, url, url_hash, page_type,
	status, priority, depth, retry_count, next_run_at, created_at, updated_at
) VALUES (
	$1, NULLIF($2::bigint, 0), NULLIF($3::bigint, 0), NULLIF($4::bigint, 0), $5, $6, $7,
	'PENDING', $8, $9, 0, $10, $10, $10
)
ON CONFLICT (url_hash) DO UPDATE SET
	status = 'PENDING',
	priority = EXCLUDED.priority,
	page_rule_id = EXCLUDED.page_rule_id,
	retry_count = 0,
	next_run_at = EXCLUDED.next_run_at,
	last_processed_at = NULL,
	updated_at = EXCLUDED.updated_at
RETURNING id`

// UpsertTask inserts a task or, when its URL hash exists, relaunches the
// existing row as PENDING with the new priority and rule reference.
func (s *Store) UpsertTask(ctx context.Context, task crawler.NewTask, at time.Time) (int64, error) {
	return upsertTask(ctx, s.pool, task, at)
}

func upsertTask(ctx context.Context, q queryRower, task crawler.NewTask, at time.Time) (int64, error) {
	if task.URLHash == "" {
		return 0, fmt.Errorf("task url hash is required")
	}
	var id int64
	err := q.QueryRow(ctx, upsertTaskSQL,
		task.SiteID,
		task.PageRuleID,
		task.SeedID,
		task.ParentID,
		task.URL,
		task.URLHash,
		string(task.PageType),
		task.Priority,
		task.Depth,
		at,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert task %s: %w", task.URL, err)
	}
	return id, nil
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (crawler.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM crawl_task WHERE id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Task{}, fmt.Errorf("task %d: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return task, nil
}

// NextPendingTask returns the highest-priority PENDING task of the site that is due at now.
func (s *Store) NextPendingTask(ctx context.Context, siteID int64, now time.Time) (crawler.Task, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM crawl_task
WHERE site_id = $1 AND status = 'PENDING' AND next_run_at <= $2
ORDER BY priority DESC, id ASC
LIMIT 1`, siteID, now)
	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Task{}, false, nil
	}
	if err != nil {
		return crawler.Task{}, false, fmt.Errorf("next pending task for site %d: %w", siteID, err)
	}
	return task, true, nil
}

// StartTask moves a PENDING task to IN_PROGRESS and stamps its processing time.
func (s *Store) StartTask(ctx context.Context, id int64, workerID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_task
SET status = 'IN_PROGRESS', last_processed_at = $2, worker_id = $3, updated_at = $2
WHERE id = $1 AND status = 'PENDING'`, id, at, workerID)
	if err != nil {
		return fmt.Errorf("start task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("start task %d: %w", id, crawler.ErrTaskNotPending)
	}
	return nil
}

// TransitionTask records the outcome chosen by the executor.
func (s *Store) TransitionTask(ctx context.Context, tr crawler.TaskTransition) error {
	if !tr.Status.Valid() {
		return fmt.Errorf("transition task %d: invalid status %q", tr.TaskID, tr.Status)
	}
	_, err := s.pool.Exec(ctx, `UPDATE crawl_task
SET status = $2, retry_count = $3, next_run_at = $4, updated_at = now()
WHERE id = $1`, tr.TaskID, string(tr.Status), tr.RetryCount, tr.NextRunAt)
	if err != nil {
		return fmt.Errorf("transition task %d to %s: %w", tr.TaskID, tr.Status, err)
	}
	return nil
}

// RelaunchTask returns a FAILED or BROKEN task to PENDING with a fresh retry budget.
func (s *Store) RelaunchTask(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_task
SET status = 'PENDING', retry_count = 0, next_run_at = $2, last_processed_at = NULL, updated_at = $2
WHERE id = $1 AND status IN ('FAILED', 'BROKEN')`, id, at)
	if err != nil {
		return fmt.Errorf("relaunch task %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("relaunch task %d: %w", id, crawler.ErrNotRelaunchable)
	}
	return nil
}

// TouchBrokenTask bumps updated_at of a BROKEN task so the next healing scan
// starts with other tasks. It is a no-op for any other status.
func (s *Store) TouchBrokenTask(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE crawl_task SET updated_at = $2
WHERE id = $1 AND status = 'BROKEN'`, id, at); err != nil {
		return fmt.Errorf("touch task %d: %w", id, err)
	}
	return nil
}

// CompleteListing upserts discovered children and marks the listing DONE in one transaction.
func (s *Store) CompleteListing(ctx context.Context, taskID int64, children []crawler.NewTask, at time.Time) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, child := range children {
			if _, err := upsertTask(ctx, tx, child, at); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE crawl_task
SET status = 'DONE', retry_count = 0, updated_at = $2
WHERE id = $1`, taskID, at); err != nil {
			return fmt.Errorf("complete listing %d: %w", taskID, err)
		}
		return nil
	})
}

// CompleteContent stores the extracted record and marks the task DONE in one transaction.
func (s *Store) CompleteContent(ctx context.Context, record crawler.CrawledRecord) error {
	fields, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO crawled_data (task_id, url, title, fields, crawled_at)
VALUES ($1, $2, $3, $4, $5)`, record.TaskID, record.URL, record.Title, fields, record.CrawledAt); err != nil {
			return fmt.Errorf("insert crawled data for task %d: %w", record.TaskID, err)
		}
		if _, err := tx.Exec(ctx, `UPDATE crawl_task
SET status = 'DONE', retry_count = 0, updated_at = $2
WHERE id = $1`, record.TaskID, record.CrawledAt); err != nil {
			return fmt.Errorf("complete content %d: %w", record.TaskID, err)
		}
		return nil
	})
}

// ListTasksByStatus returns up to limit tasks in status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status crawler.TaskStatus, limit int) ([]crawler.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM crawl_task
WHERE status = $1
ORDER BY updated_at ASC, id ASC
LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s tasks: %w", status, err)
	}
	defer rows.Close()
	var tasks []crawler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// ReclaimStuckTasks fails IN_PROGRESS tasks whose processing started before cutoff.
func (s *Store) ReclaimStuckTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_task
SET status = 'FAILED', retry_count = retry_count + 1, updated_at = now()
WHERE status = 'IN_PROGRESS' AND last_processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ArchiveDoneTasks copies DONE tasks last updated before the cutoff into the
// history table and removes them from the live table.
func (s *Store) ArchiveDoneTasks(ctx context.Context, before time.Time) (crawler.ArchiveResult, error) {
	var result crawler.ArchiveResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		copied, err := tx.Exec(ctx, `INSERT INTO crawl_task_history (
	id, site_id, page_rule_id, seed_id, parent_id, url, url_hash, page_type, status,
	priority, depth, retry_count, last_processed_at, created_at, updated_at
)
SELECT id, site_id, page_rule_id, seed_id, parent_id, url, url_hash, page_type, status,
	priority, depth, retry_count, last_processed_at, created_at, updated_at
FROM crawl_task
WHERE status = 'DONE' AND updated_at < $1
ON CONFLICT (id) DO NOTHING`, before)
		if err != nil {
			return fmt.Errorf("copy done tasks: %w", err)
		}
		deleted, err := tx.Exec(ctx, `DELETE FROM crawl_task WHERE status = 'DONE' AND updated_at < $1`, before)
		if err != nil {
			return fmt.Errorf("delete done tasks: %w", err)
		}
		result = crawler.ArchiveResult{Copied: copied.RowsAffected(), Deleted: deleted.RowsAffected()}
		return nil
	})
	if err != nil {
		return crawler.ArchiveResult{}, err
	}
	return result, nil
}

func scanTask(row pgx.Row) (crawler.Task, error) {
	var (
		task     crawler.Task
		pageType string
		status   string
	)
	err := row.Scan(
		&task.ID,
		&task.SiteID,
		&task.PageRuleID,
		&task.SeedID,
		&task.ParentID,
		&task.URL,
		&task.URLHash,
		&pageType,
		&status,
		&task.Priority,
		&task.Depth,
		&task.RetryCount,
		&task.NextRunAt,
		&task.LastProcessedAt,
		&task.WorkerID,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return crawler.Task{}, err
	}
	task.PageType = crawler.PageType(pageType)
	task.Status = crawler.TaskStatus(status)
	return task, nil
}
