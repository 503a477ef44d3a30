package healing

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/extract"
)

const listScopeDescription = "The main container element that wraps the list of content links."

// repairListScope replaces the link-search scope of rule when it no longer
// yields any link on the page. It returns the number of repaired and still
// broken selectors.
func (h *Healer) repairListScope(ctx context.Context, p page, rule crawler.PageRule, logger *zap.Logger) (int, int, error) {
	objective := crawler.ObjectiveDiscoveryScope
	current := strings.TrimSpace(rule.LinkSearchScope)
	if current == "" {
		current = extract.DefaultScope
	}
	if len(p.doc.Links(current, p.site.Domain)) > 0 {
		observe(objective, "not_needed")
		return 0, 0, nil
	}

	rec, err := h.recommend(ctx, p, listScopeDescription, objective)
	if err != nil {
		observe(objective, "error")
		return 0, 1, err
	}
	if rec.Selector == "" {
		observe(objective, "no_recommendation")
		return 0, 1, nil
	}
	found := len(p.doc.Links(rec.Selector, p.site.Domain))
	if found == 0 {
		observe(objective, "rejected")
		logger.Info("recommended scope yields no links", zap.String("selector", rec.Selector))
		return 0, 1, nil
	}

	ok, err := h.apply(ctx, crawler.RuleChange{
		Target:      crawler.RuleTargetLinkScope,
		RuleID:      rule.ID,
		TaskID:      p.task.ID,
		OldSelector: current,
		NewSelector: rec.Selector,
		Reason:      fmt.Sprintf("list scope repaired: found %d links", found),
	}, logger)
	if err != nil || !ok {
		observe(objective, "conflict")
		return 0, 1, err
	}
	observe(objective, "repaired")
	return 1, 0, nil
}

// repairFields replaces the selector of every required extraction rule that
// no longer yields valid content. Optional rules are never repaired.
// It returns the number of repaired and still broken required rules.
func (h *Healer) repairFields(ctx context.Context, p page, rule crawler.PageRule, logger *zap.Logger) (int, int, error) {
	objective := crawler.ObjectiveDataExtraction
	rules, err := h.deps.Rules.ListExtractionRules(ctx, rule.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("list extraction rules %d: %w", rule.ID, err)
	}

	repaired, broken := 0, 0
	for _, er := range rules {
		if !er.Required || h.validator.valid(er, p.doc.Select(er.Selector, er.Attribute)) {
			continue
		}
		broken++
		fieldLogger := logger.With(zap.String("field", er.Key))

		rec, err := h.recommend(ctx, p, FieldDescription(er), objective)
		if err != nil {
			observe(objective, "error")
			if ctx.Err() != nil {
				return repaired, broken - repaired, err
			}
			fieldLogger.Warn("recommendation failed", zap.Error(err))
			continue
		}
		if rec.Selector == "" {
			observe(objective, "no_recommendation")
			continue
		}
		if !h.validator.valid(er, p.doc.Select(rec.Selector, er.Attribute)) {
			observe(objective, "rejected")
			fieldLogger.Info("recommended selector failed verification", zap.String("selector", rec.Selector))
			continue
		}

		reason := rec.Reason
		if reason == "" {
			reason = fmt.Sprintf("field %q repaired", er.Key)
		}
		ok, err := h.apply(ctx, crawler.RuleChange{
			Target:      crawler.RuleTargetField,
			RuleID:      er.ID,
			TaskID:      p.task.ID,
			OldSelector: er.Selector,
			NewSelector: rec.Selector,
			Reason:      reason,
		}, fieldLogger)
		if err != nil {
			observe(objective, "error")
			return repaired, broken - repaired, err
		}
		if !ok {
			observe(objective, "conflict")
			continue
		}
		observe(objective, "repaired")
		repaired++
	}
	return repaired, broken - repaired, nil
}

// FieldDescription describes the element an extraction rule should select.
func FieldDescription(rule crawler.ExtractionRule) string {
	switch attr := strings.ToLower(strings.TrimSpace(rule.Attribute)); attr {
	case "":
		return fmt.Sprintf("The specific element containing the text content for '%s'.", rule.Key)
	case "src":
		return fmt.Sprintf("The <img> tag representing the '%s' (focus on src or data-src).", rule.Key)
	case "href":
		return fmt.Sprintf("The <a> tag containing the link URL for '%s'.", rule.Key)
	default:
		return fmt.Sprintf("The element containing the '%s' attribute for '%s'.", attr, rule.Key)
	}
}
