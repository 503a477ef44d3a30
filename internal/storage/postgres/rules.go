package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

const pageRuleColumns = `id, site_id, name, page_type, COALESCE(url_pattern, ''),
	COALESCE(link_search_scope, ''), match_priority, is_active`

// GetPageRule loads a page rule by id.
func (s *Store) GetPageRule(ctx context.Context, id int64) (crawler.PageRule, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pageRuleColumns+` FROM crawl_page_rule WHERE id = $1`, id)
	rule, err := scanPageRule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.PageRule{}, fmt.Errorf("page rule %d: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.PageRule{}, fmt.Errorf("get page rule %d: %w", id, err)
	}
	return rule, nil
}

// ListPageRules returns the site's active page rules, highest match priority first.
func (s *Store) ListPageRules(ctx context.Context, siteID int64) ([]crawler.PageRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pageRuleColumns+` FROM crawl_page_rule
WHERE site_id = $1 AND is_active
ORDER BY match_priority DESC, id ASC`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list page rules for site %d: %w", siteID, err)
	}
	defer rows.Close()
	var rules []crawler.PageRule
	for rows.Next() {
		rule, err := scanPageRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page rules: %w", err)
	}
	return rules, nil
}

// ListExtractionRules returns the field rules of a page rule.
func (s *Store) ListExtractionRules(ctx context.Context, pageRuleID int64) ([]crawler.ExtractionRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, page_rule_id, json_key, css_selector, extract_attribute,
	is_required, status, updated_by
FROM crawl_extraction_rule
WHERE page_rule_id = $1
ORDER BY id ASC`, pageRuleID)
	if err != nil {
		return nil, fmt.Errorf("list extraction rules for %d: %w", pageRuleID, err)
	}
	defer rows.Close()
	var rules []crawler.ExtractionRule
	for rows.Next() {
		var (
			rule   crawler.ExtractionRule
			status string
		)
		if err := rows.Scan(&rule.ID, &rule.PageRuleID, &rule.Key, &rule.Selector, &rule.Attribute,
			&rule.Required, &status, &rule.UpdatedBy); err != nil {
			return nil, fmt.Errorf("scan extraction rule: %w", err)
		}
		rule.Status = crawler.RuleStatus(status)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate extraction rules: %w", err)
	}
	return rules, nil
}

// ListPriorityRules returns the site's active link priority rules.
func (s *Store) ListPriorityRules(ctx context.Context, siteID int64) ([]crawler.PriorityRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, site_id, condition_type, condition_expression, priority_bonus, is_active
FROM crawl_priority_rule
WHERE site_id = $1 AND is_active
ORDER BY id ASC`, siteID)
	if err != nil {
		return nil, fmt.Errorf("list priority rules for site %d: %w", siteID, err)
	}
	defer rows.Close()
	var rules []crawler.PriorityRule
	for rows.Next() {
		var (
			rule      crawler.PriorityRule
			condition string
		)
		if err := rows.Scan(&rule.ID, &rule.SiteID, &condition, &rule.Expression, &rule.Bonus, &rule.Active); err != nil {
			return nil, fmt.Errorf("scan priority rule: %w", err)
		}
		rule.Condition = crawler.PriorityCondition(condition)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate priority rules: %w", err)
	}
	return rules, nil
}

// ApplyRuleChange swaps a selector, guarded on its previous value, and
// appends the audit entry in the same transaction.
func (s *Store) ApplyRuleChange(ctx context.Context, change crawler.RuleChange) error {
	var update string
	switch change.Target {
	case crawler.RuleTargetLinkScope:
		update = `UPDATE crawl_page_rule SET link_search_scope = $2
WHERE id = $1 AND COALESCE(NULLIF(BTRIM(link_search_scope), ''), 'body') = $3`
	case crawler.RuleTargetField:
		update = `UPDATE crawl_extraction_rule
SET css_selector = $2, status = 'ACTIVE', updated_by = $4, updated_at = now()
WHERE id = $1 AND css_selector = $3`
	default:
		return fmt.Errorf("unknown rule target %q", change.Target)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		args := []any{change.RuleID, change.NewSelector, change.OldSelector}
		if change.Target == crawler.RuleTargetField {
			args = append(args, change.UpdatedBy)
		}
		tag, err := tx.Exec(ctx, update, args...)
		if err != nil {
			return fmt.Errorf("update %s rule %d: %w", change.Target, change.RuleID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update %s rule %d: %w", change.Target, change.RuleID, crawler.ErrRuleChanged)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO crawl_rule_change_history (
	target, rule_id, task_id, old_selector, new_selector, reason, is_verified, updated_by, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			string(change.Target),
			change.RuleID,
			change.TaskID,
			change.OldSelector,
			change.NewSelector,
			change.Reason,
			change.Verified,
			change.UpdatedBy,
			change.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert rule history: %w", err)
		}
		return nil
	})
}

// ListRuleChanges returns the audit trail of one rule, oldest first.
func (s *Store) ListRuleChanges(ctx context.Context, target crawler.RuleTarget, ruleID int64) ([]crawler.RuleChange, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, target, rule_id, task_id, old_selector, new_selector,
	reason, is_verified, updated_by, created_at
FROM crawl_rule_change_history
WHERE target = $1 AND rule_id = $2
ORDER BY id ASC`, string(target), ruleID)
	if err != nil {
		return nil, fmt.Errorf("list rule changes: %w", err)
	}
	defer rows.Close()
	var changes []crawler.RuleChange
	for rows.Next() {
		var (
			c      crawler.RuleChange
			target string
		)
		if err := rows.Scan(&c.ID, &target, &c.RuleID, &c.TaskID, &c.OldSelector, &c.NewSelector,
			&c.Reason, &c.Verified, &c.UpdatedBy, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule change: %w", err)
		}
		c.Target = crawler.RuleTarget(target)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rule changes: %w", err)
	}
	return changes, nil
}

func scanPageRule(row pgx.Row) (crawler.PageRule, error) {
	var (
		rule     crawler.PageRule
		pageType string
	)
	if err := row.Scan(&rule.ID, &rule.SiteID, &rule.Name, &pageType, &rule.URLPattern,
		&rule.LinkSearchScope, &rule.MatchPriority, &rule.Active); err != nil {
		return crawler.PageRule{}, err
	}
	rule.PageType = crawler.PageType(pageType)
	return rule, nil
}
