// Package executor runs one crawl task through fetch, extraction, and
// persistence and records the resulting state transition.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/extract"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
	"github.com/JakeFAU/sitepulse-crawler/internal/progress"
)

var errAnalysisRequired = errors.New("page has no extraction configuration")

var tracer = otel.Tracer("github.com/JakeFAU/sitepulse-crawler/internal/executor")

// UserAgentPicker chooses a user agent for an outgoing request.
type UserAgentPicker interface {
	Pick(mobile bool) string
}

// ProxyPool hands out proxies and receives the outcome of their use.
type ProxyPool interface {
	Allocate(ctx context.Context) (*crawler.Proxy, error)
	Report(ctx context.Context, id int64, ok, hard bool) error
}

// URLKeyer derives the uniqueness key of a URL.
type URLKeyer interface {
	URLKey(rawURL string) (string, error)
}

// Config controls Executor behavior.
type Config struct {
	WorkerID       string
	Retry          crawler.RetryPolicy
	DefaultTimeout time.Duration
	SnapshotPrefix string
}

// Deps are the collaborators of an Executor. Headless, Detector, Publisher,
// Blobs, UserAgents, Proxies, and Progress are optional.
type Deps struct {
	Tasks      crawler.TaskStore
	Rules      crawler.RuleStore
	Sites      crawler.SiteStore
	Dedup      crawler.DedupWindow
	Fetcher    crawler.Fetcher
	Headless   crawler.Fetcher
	Detector   crawler.HeadlessDetector
	Publisher  crawler.Publisher
	Blobs      crawler.BlobStore
	Keys       URLKeyer
	Clock      crawler.Clock
	UserAgents UserAgentPicker
	Proxies    ProxyPool
	Progress   progress.Emitter
}

// Outcome describes how a task execution ended. Kind is meaningful only
// when Classified is set.
type Outcome struct {
	Status     crawler.TaskStatus
	Kind       crawler.FailureKind
	Classified bool
	Err        error
	Skipped    bool
}

// Executor runs tasks. It is safe for concurrent use.
type Executor struct {
	deps    Deps
	cfg     Config
	matcher *extract.Matcher
	logger  *zap.Logger
}

// New constructs an Executor.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Executor, error) {
	switch {
	case deps.Tasks == nil:
		return nil, errors.New("task store is required")
	case deps.Rules == nil:
		return nil, errors.New("rule store is required")
	case deps.Sites == nil:
		return nil, errors.New("site store is required")
	case deps.Dedup == nil:
		return nil, errors.New("dedup window is required")
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Keys == nil:
		return nil, errors.New("url keyer is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retry.MaxRetries == 0 && cfg.Retry.BaseDelay == 0 {
		cfg.Retry = crawler.DefaultRetryPolicy()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "broken"
	}
	return &Executor{
		deps:    deps,
		cfg:     cfg,
		matcher: extract.NewMatcher(),
		logger:  logger.Named("executor"),
	}, nil
}

// cycle carries what a successful or structurally failed run produced.
type cycle struct {
	event *crawler.CrawledItemEvent
	body  []byte
}

// taskTrace follows one execution for progress events.
type taskTrace struct {
	task  crawler.Task
	site  string
	start time.Time
}

// Execute claims task, runs it, and records the outcome. Failures of the
// task itself are converted into state transitions and reported in the
// Outcome; the returned error is non-nil only when the outcome could not be
// recorded.
func (e *Executor) Execute(ctx context.Context, task crawler.Task) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.Int64("crawler.task_id", task.ID),
		attribute.Int64("crawler.site_id", task.SiteID),
		attribute.String("url.full", task.URL),
	))
	defer span.End()
	out, err := e.execute(ctx, task)
	span.SetAttributes(attribute.String("crawler.status", string(out.Status)), attribute.Bool("crawler.skipped", out.Skipped))
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "outcome not recorded")
	case out.Err != nil:
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Status))
	}
	return out, err
}

func (e *Executor) execute(ctx context.Context, task crawler.Task) (Outcome, error) {
	logger := e.logger.With(zap.Int64("task_id", task.ID), zap.Int64("site_id", task.SiteID), zap.String("url", task.URL))
	if err := e.deps.Tasks.StartTask(ctx, task.ID, e.cfg.WorkerID, e.deps.Clock.Now()); err != nil {
		if errors.Is(err, crawler.ErrTaskNotPending) {
			logger.Debug("task already claimed")
			return Outcome{Status: task.Status, Skipped: true}, nil
		}
		return Outcome{}, fmt.Errorf("start task %d: %w", task.ID, err)
	}
	task.Status = crawler.TaskStatusInProgress
	tr := &taskTrace{task: task, start: time.Now()}
	e.emit(tr, progress.Event{Stage: progress.StageTaskStart})

	res, runErr := e.runGuarded(ctx, task, tr, logger)
	out, err := e.finish(ctx, task, res, runErr, logger)
	if err == nil {
		e.emit(tr, progress.Event{
			Stage:  progress.StageTaskEnd,
			Status: out.Status,
			Kind:   failureLabel(out),
			Dur:    time.Since(tr.start),
		})
	}
	return out, err
}

// runGuarded turns a panic in a collaborator into an unclassified error, which
// the retry policy treats as Fatal.
func (e *Executor) runGuarded(ctx context.Context, task crawler.Task, tr *taskTrace, logger *zap.Logger) (res cycle, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			res, err = cycle{}, fmt.Errorf("task panicked: %v", r)
		}
	}()
	return e.run(ctx, task, tr, logger)
}

func failureLabel(out Outcome) string {
	if !out.Classified {
		return ""
	}
	return out.Kind.String()
}

func (e *Executor) emit(tr *taskTrace, evt progress.Event) {
	if e.deps.Progress == nil {
		return
	}
	evt.TaskID = tr.task.ID
	evt.SiteID = tr.task.SiteID
	evt.Site = tr.site
	evt.URL = tr.task.URL
	evt.TS = e.deps.Clock.Now()
	e.deps.Progress.Emit(evt)
}

func (e *Executor) finish(ctx context.Context, task crawler.Task, res cycle, runErr error, logger *zap.Logger) (Outcome, error) {
	// Bookkeeping must land even when the cycle was cancelled.
	bctx := context.WithoutCancel(ctx)
	now := e.deps.Clock.Now()

	switch {
	case runErr == nil:
		metrics.ObserveTransition(string(crawler.TaskStatusDone), "")
		if res.event != nil {
			e.publish(bctx, *res.event, logger)
		}
		logger.Info("task done")
		return Outcome{Status: crawler.TaskStatusDone}, nil

	case errors.Is(runErr, errAnalysisRequired):
		tr := crawler.TaskTransition{TaskID: task.ID, Status: crawler.TaskStatusAnalysisRequired, RetryCount: task.RetryCount, NextRunAt: task.NextRunAt}
		if err := e.deps.Tasks.TransitionTask(bctx, tr); err != nil {
			return Outcome{}, fmt.Errorf("record analysis required for task %d: %w", task.ID, err)
		}
		metrics.ObserveTransition(string(tr.Status), "")
		logger.Warn("task needs rule configuration", zap.Error(runErr))
		return Outcome{Status: tr.Status, Err: runErr}, nil

	case ctx.Err() != nil:
		tr := crawler.TaskTransition{TaskID: task.ID, Status: crawler.TaskStatusPending, RetryCount: task.RetryCount, NextRunAt: now}
		if err := e.deps.Tasks.TransitionTask(bctx, tr); err != nil {
			return Outcome{}, fmt.Errorf("release cancelled task %d: %w", task.ID, err)
		}
		logger.Info("task released after cancellation", zap.Error(runErr))
		return Outcome{Status: tr.Status, Err: runErr}, nil
	}

	kind := crawler.ClassifyError(runErr)
	tr := e.cfg.Retry.Next(task, kind, now)
	if kind == crawler.FailureStructural {
		e.snapshot(bctx, task, res.body, logger)
	}
	if err := e.deps.Tasks.TransitionTask(bctx, tr); err != nil {
		return Outcome{}, fmt.Errorf("record %s failure for task %d: %w", kind, task.ID, err)
	}
	metrics.ObserveTransition(string(tr.Status), kind.String())
	logger.Warn("task failed",
		zap.Stringer("kind", kind),
		zap.String("status", string(tr.Status)),
		zap.Int("retry_count", tr.RetryCount),
		zap.Time("next_run_at", tr.NextRunAt),
		zap.Error(runErr),
	)
	return Outcome{Status: tr.Status, Kind: kind, Classified: true, Err: runErr}, nil
}

func (e *Executor) run(ctx context.Context, task crawler.Task, tr *taskTrace, logger *zap.Logger) (cycle, error) {
	if task.PageRuleID == 0 {
		return cycle{}, errAnalysisRequired
	}
	rule, err := e.deps.Rules.GetPageRule(ctx, task.PageRuleID)
	if errors.Is(err, crawler.ErrNotFound) {
		return cycle{}, errAnalysisRequired
	}
	if err != nil {
		return cycle{}, fmt.Errorf("load page rule: %w", err)
	}
	site, err := e.deps.Sites.GetSite(ctx, task.SiteID)
	if err != nil {
		return cycle{}, fmt.Errorf("load site: %w", err)
	}
	tr.site = site.Name

	var fields []crawler.ExtractionRule
	if rule.PageType == crawler.PageTypeContent {
		fields, err = e.deps.Rules.ListExtractionRules(ctx, rule.ID)
		if err != nil {
			return cycle{}, fmt.Errorf("load extraction rules: %w", err)
		}
		if len(fields) == 0 {
			return cycle{}, errAnalysisRequired
		}
	}

	fetchStart := time.Now()
	resp, err := e.fetch(ctx, site, task.URL, logger)
	e.emit(tr, fetchEvent(resp, err, time.Since(fetchStart)))
	if err != nil {
		return cycle{}, err
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = task.URL
	}
	doc, err := extract.Parse(pageURL, resp.Body)
	if err != nil {
		return cycle{}, &crawler.FetchError{Category: crawler.CategoryMalformed, URL: task.URL, Err: err}
	}

	switch rule.PageType {
	case crawler.PageTypeList:
		return e.processListing(ctx, site, rule, task, doc, logger)
	case crawler.PageTypeContent:
		return e.processContent(ctx, task, doc, fields)
	default:
		return cycle{}, errAnalysisRequired
	}
}

func fetchEvent(resp crawler.FetchResponse, err error, dur time.Duration) progress.Event {
	evt := progress.Event{Stage: progress.StageFetchDone, Dur: dur}
	if err == nil {
		evt.StatusClass = progress.ClassifyStatus(resp.StatusCode)
		evt.Bytes = int64(len(resp.Body))
		return evt
	}
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		evt.StatusClass = progress.ClassifyStatus(fe.StatusCode)
	} else {
		evt.StatusClass = progress.StatusError
	}
	return evt
}

func (e *Executor) publish(ctx context.Context, event crawler.CrawledItemEvent, logger *zap.Logger) {
	if e.deps.Publisher == nil {
		return
	}
	id, err := e.deps.Publisher.Publish(ctx, event.URL, event)
	if err != nil {
		logger.Error("publish crawled item failed", zap.Error(err))
		return
	}
	logger.Debug("crawled item published", zap.String("message_id", id))
}

func (e *Executor) snapshot(ctx context.Context, task crawler.Task, body []byte, logger *zap.Logger) {
	if e.deps.Blobs == nil || len(body) == 0 {
		return
	}
	skeleton, err := extract.Sanitize(body)
	if err != nil || strings.TrimSpace(skeleton) == "" {
		skeleton = string(body)
	}
	key := fmt.Sprintf("%s/%s.html", strings.Trim(e.cfg.SnapshotPrefix, "/"), task.URLHash)
	uri, err := e.deps.Blobs.PutObject(ctx, key, "text/html; charset=utf-8", bytes.NewReader([]byte(skeleton)))
	if err != nil {
		logger.Warn("store broken page snapshot failed", zap.Error(err))
		return
	}
	logger.Info("broken page snapshot stored", zap.String("uri", uri))
}
