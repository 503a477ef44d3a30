package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/extract"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
)

// processListing discovers same-site links that map to a page rule,
// filters those seen recently, and stores them as children of task.
func (e *Executor) processListing(
	ctx context.Context,
	site crawler.Site,
	rule crawler.PageRule,
	task crawler.Task,
	doc *extract.Document,
	logger *zap.Logger,
) (cycle, error) {
	links := doc.Links(rule.LinkSearchScope, site.Domain)
	if len(links) == 0 {
		scope := rule.LinkSearchScope
		if scope == "" {
			scope = extract.DefaultScope
		}
		return cycle{body: doc.Raw()}, &crawler.StructuralError{URL: task.URL, Fields: []string{"link_search_scope=" + scope}}
	}

	pageRules, err := e.deps.Rules.ListPageRules(ctx, site.ID)
	if err != nil {
		return cycle{}, fmt.Errorf("load page rules: %w", err)
	}
	priorities, err := e.deps.Rules.ListPriorityRules(ctx, site.ID)
	if err != nil {
		return cycle{}, fmt.Errorf("load priority rules: %w", err)
	}

	children := make([]crawler.NewTask, 0, len(links))
	for _, link := range links {
		target, ok := e.matcher.Match(pageRules, link.URL)
		if !ok {
			continue
		}
		seen, err := e.deps.Dedup.Seen(ctx, link.URL)
		if err != nil {
			logger.Warn("dedup lookup failed, keeping link", zap.String("link", link.URL), zap.Error(err))
		}
		metrics.ObserveDedup(seen)
		if seen {
			continue
		}
		key, err := e.deps.Keys.URLKey(link.URL)
		if err != nil {
			continue
		}
		children = append(children, crawler.NewTask{
			SiteID:     site.ID,
			PageRuleID: target.ID,
			ParentID:   task.ID,
			URL:        link.URL,
			URLHash:    key,
			PageType:   target.PageType,
			Priority:   extract.Priority(link.Anchor, priorities),
			Depth:      task.Depth + 1,
		})
	}

	if err := e.deps.Tasks.CompleteListing(ctx, task.ID, children, e.deps.Clock.Now()); err != nil {
		return cycle{}, fmt.Errorf("store listing result: %w", err)
	}
	for _, child := range children {
		if err := e.deps.Dedup.Mark(ctx, child.URL); err != nil {
			logger.Warn("dedup mark failed", zap.String("link", child.URL), zap.Error(err))
		}
	}
	logger.Info("listing processed", zap.Int("links", len(links)), zap.Int("queued", len(children)))
	return cycle{}, nil
}
