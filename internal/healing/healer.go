// Package healing repairs selectors of BROKEN tasks with a recommender and
// only persists a repair after verifying it on the live page.
package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/extract"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
	"github.com/JakeFAU/sitepulse-crawler/internal/policy/ratelimit"
)

// UpdatedBy marks rules changed by the healer.
const UpdatedBy = "llm"

// ErrNotBroken is returned by HealTask for a task outside BROKEN.
var ErrNotBroken = errors.New("task is not broken")

// PageFetcher re-fetches the page of a broken task.
type PageFetcher interface {
	FetchPage(ctx context.Context, site crawler.Site, rawURL string) (crawler.FetchResponse, error)
}

// Config controls batch size, parallelism, validation, and LLM throttling.
type Config struct {
	BatchSize    int      `mapstructure:"batch_size"`
	Concurrency  int      `mapstructure:"concurrency"`
	MinBodyRunes int      `mapstructure:"min_body_runes"`
	Blacklist    []string `mapstructure:"blacklist"`
	LLMRPS       float64  `mapstructure:"llm_rps"`
	LLMBurst     int      `mapstructure:"llm_burst"`
}

// DefaultBlacklist lists boilerplate terms a repaired text field may not contain.
func DefaultBlacklist() []string {
	return []string{"copyright", "all rights reserved", "advertisement", "subscribe", "광고", "배너", "구독"}
}

// Deps are the collaborators of a Healer.
type Deps struct {
	Tasks       crawler.TaskStore
	Rules       crawler.RuleStore
	Sites       crawler.SiteStore
	Fetcher     PageFetcher
	Recommender crawler.Recommender
	Clock       crawler.Clock
}

// Result summarizes the repair of one task.
type Result struct {
	TaskID     int64 `json:"task_id"`
	Repaired   int   `json:"repaired"`
	Relaunched bool  `json:"relaunched"`
}

// BatchResult summarizes one healing scan.
type BatchResult struct {
	Scanned    int
	Relaunched int
	Failed     int
}

// Healer runs the self-healing loop. It is safe for concurrent use.
type Healer struct {
	deps      Deps
	cfg       Config
	validator validator
	limiter   *ratelimit.Limiter
	logger    *zap.Logger
}

// New constructs a Healer.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Healer, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("task store is required")
	case deps.Rules == nil:
		return nil, errors.New("rule store is required")
	case deps.Sites == nil:
		return nil, errors.New("site store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("page fetcher is required")
	case deps.Recommender == nil:
		return nil, errors.New("recommender is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MinBodyRunes <= 0 {
		cfg.MinBodyRunes = 30
	}
	if cfg.Blacklist == nil {
		cfg.Blacklist = DefaultBlacklist()
	}
	return &Healer{
		deps:      deps,
		cfg:       cfg,
		validator: newValidator(cfg.MinBodyRunes, cfg.Blacklist),
		limiter:   ratelimit.New(ratelimit.Config{Name: "llm", RPS: cfg.LLMRPS, Burst: cfg.LLMBurst}),
		logger:    logger.Named("healer"),
	}, nil
}

// RunBatch scans up to BatchSize BROKEN tasks and repairs them in parallel.
// A failure on one task never aborts the others.
func (h *Healer) RunBatch(ctx context.Context) (BatchResult, error) {
	tasks, err := h.deps.Tasks.ListTasksByStatus(ctx, crawler.TaskStatusBroken, h.cfg.BatchSize)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list broken tasks: %w", err)
	}

	var (
		mu  sync.Mutex
		out = BatchResult{Scanned: len(tasks)}
	)
	g := new(errgroup.Group)
	g.SetLimit(h.cfg.Concurrency)
	for _, task := range tasks {
		g.Go(func() error {
			res, err := h.heal(ctx, task)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				out.Failed++
				h.logger.Warn("healing failed", zap.Int64("task_id", task.ID), zap.Error(err))
			case res.Relaunched:
				out.Relaunched++
			}
			return nil
		})
	}
	_ = g.Wait()

	if out.Scanned > 0 {
		h.logger.Info("healing batch finished",
			zap.Int("scanned", out.Scanned),
			zap.Int("relaunched", out.Relaunched),
			zap.Int("failed", out.Failed),
		)
	}
	return out, nil
}

// HealTask repairs a single BROKEN task on demand.
func (h *Healer) HealTask(ctx context.Context, id int64) (Result, error) {
	task, err := h.deps.Tasks.GetTask(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("get task %d: %w", id, err)
	}
	if task.Status != crawler.TaskStatusBroken {
		return Result{}, fmt.Errorf("heal task %d: %w", id, ErrNotBroken)
	}
	return h.heal(ctx, task)
}

var tracer = otel.Tracer("github.com/JakeFAU/sitepulse-crawler/internal/healing")

func (h *Healer) heal(ctx context.Context, task crawler.Task) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "healing.heal")
	span.SetAttributes(attribute.Int64("crawler.task_id", task.ID), attribute.Int64("crawler.site_id", task.SiteID))
	defer func() {
		span.SetAttributes(attribute.Int("healing.repaired", res.Repaired), attribute.Bool("healing.relaunched", res.Relaunched))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "heal failed")
		}
		span.End()
	}()
	res = Result{TaskID: task.ID}
	logger := h.logger.With(zap.Int64("task_id", task.ID), zap.Int64("site_id", task.SiteID), zap.String("url", task.URL))
	defer func() {
		if res.Relaunched {
			return
		}
		// Unhealed tasks rotate behind the rest of the backlog.
		if terr := h.deps.Tasks.TouchBrokenTask(context.WithoutCancel(ctx), task.ID, h.deps.Clock.Now()); terr != nil {
			logger.Warn("touch broken task", zap.Error(terr))
		}
	}()
	if task.PageRuleID == 0 {
		logger.Debug("task has no page rule")
		return res, nil
	}

	site, err := h.deps.Sites.GetSite(ctx, task.SiteID)
	if err != nil {
		return res, fmt.Errorf("get site %d: %w", task.SiteID, err)
	}
	rule, err := h.deps.Rules.GetPageRule(ctx, task.PageRuleID)
	if err != nil {
		return res, fmt.Errorf("get page rule %d: %w", task.PageRuleID, err)
	}

	resp, err := h.deps.Fetcher.FetchPage(ctx, site, task.URL)
	if err != nil {
		return res, fmt.Errorf("refetch: %w", err)
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = task.URL
	}
	doc, err := extract.Parse(pageURL, resp.Body)
	if err != nil {
		return res, fmt.Errorf("parse page: %w", err)
	}
	skeleton, err := extract.Sanitize(resp.Body)
	if err != nil {
		return res, fmt.Errorf("sanitize page: %w", err)
	}

	p := page{task: task, site: site, doc: doc, skeleton: skeleton}
	var remaining int
	if rule.PageType == crawler.PageTypeList {
		res.Repaired, remaining, err = h.repairListScope(ctx, p, rule, logger)
	} else {
		res.Repaired, remaining, err = h.repairFields(ctx, p, rule, logger)
	}
	if err != nil {
		return res, err
	}
	// A rule fixed through a sibling task already validates here.
	if res.Repaired == 0 && remaining > 0 {
		logger.Info("no verified repair, task stays broken", zap.Int("still_broken", remaining))
		return res, nil
	}

	if err := h.deps.Tasks.RelaunchTask(ctx, task.ID, h.deps.Clock.Now()); err != nil {
		return res, fmt.Errorf("relaunch task %d: %w", task.ID, err)
	}
	res.Relaunched = true
	logger.Info("task healed", zap.Int("repaired", res.Repaired))
	return res, nil
}

// page is one re-fetched broken page.
type page struct {
	task     crawler.Task
	site     crawler.Site
	doc      *extract.Document
	skeleton string
}

func (h *Healer) recommend(
	ctx context.Context,
	p page,
	description string,
	objective crawler.Objective,
) (crawler.Recommendation, error) {
	if err := h.limiter.Wait(ctx, p.site.Domain); err != nil {
		return crawler.Recommendation{}, err
	}
	rec, err := h.deps.Recommender.RecommendSelector(ctx, p.skeleton, description, objective)
	if err != nil {
		return crawler.Recommendation{}, fmt.Errorf("recommend selector: %w", err)
	}
	return rec, nil
}

// apply persists a verified change. A concurrent edit of the same rule is
// reported as not applied.
func (h *Healer) apply(ctx context.Context, change crawler.RuleChange, logger *zap.Logger) (bool, error) {
	change.Verified = true
	change.UpdatedBy = UpdatedBy
	change.CreatedAt = h.deps.Clock.Now()
	if err := h.deps.Rules.ApplyRuleChange(ctx, change); err != nil {
		if errors.Is(err, crawler.ErrRuleChanged) {
			logger.Warn("rule changed during repair", zap.Int64("rule_id", change.RuleID))
			return false, nil
		}
		return false, fmt.Errorf("apply rule change: %w", err)
	}
	logger.Info("selector repaired",
		zap.String("target", string(change.Target)),
		zap.Int64("rule_id", change.RuleID),
		zap.String("old_selector", change.OldSelector),
		zap.String("new_selector", change.NewSelector),
	)
	return true, nil
}

func observe(objective crawler.Objective, result string) {
	metrics.ObserveHealing(string(objective), result)
}
