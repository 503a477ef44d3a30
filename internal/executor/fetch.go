package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/metrics"
)

// FetchPage fetches rawURL for site the same way a task run does. The
// self-healing loop re-fetches broken pages through it.
func (e *Executor) FetchPage(ctx context.Context, site crawler.Site, rawURL string) (crawler.FetchResponse, error) {
	return e.fetch(ctx, site, rawURL, e.logger.With(zap.Int64("site_id", site.ID), zap.String("url", rawURL)))
}

// fetch retrieves rawURL for site. Sites flagged RenderJS go straight to the
// headless fetcher; other pages are probed with the plain fetcher and
// promoted when the detector says the body needs rendering.
func (e *Executor) fetch(ctx context.Context, site crawler.Site, rawURL string, logger *zap.Logger) (crawler.FetchResponse, error) {
	req := crawler.FetchRequest{
		URL:       rawURL,
		Headers:   site.Headers,
		Timeout:   site.Timeout,
		UserAgent: site.UserAgent,
	}
	if req.Timeout <= 0 {
		req.Timeout = e.cfg.DefaultTimeout
	}
	if req.UserAgent == "" && e.deps.UserAgents != nil {
		req.UserAgent = e.deps.UserAgents.Pick(false)
	}

	if site.RenderJS && e.deps.Headless != nil {
		return e.fetchWith(ctx, "headless", e.deps.Headless, req)
	}

	if e.deps.Proxies != nil {
		proxy, err := e.deps.Proxies.Allocate(ctx)
		if err != nil {
			logger.Warn("proxy allocation failed, fetching directly", zap.Error(err))
		}
		req.Proxy = proxy
	}
	resp, err := e.fetchWith(ctx, "probe", e.deps.Fetcher, req)
	e.reportProxy(ctx, req.Proxy, err, logger)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	if promoted, ok := e.maybePromote(ctx, req, resp, logger); ok {
		return promoted, nil
	}
	return resp, nil
}

func (e *Executor) fetchWith(ctx context.Context, name string, f crawler.Fetcher, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	start := time.Now()
	resp, err := f.Fetch(ctx, req)
	metrics.ObserveFetch(name, err, time.Since(start))
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%s fetch: %w", name, err)
	}
	return resp, nil
}

func (e *Executor) maybePromote(
	ctx context.Context,
	req crawler.FetchRequest,
	resp crawler.FetchResponse,
	logger *zap.Logger,
) (crawler.FetchResponse, bool) {
	if e.deps.Headless == nil || e.deps.Detector == nil || !e.deps.Detector.ShouldPromote(resp) {
		return resp, false
	}
	req.Proxy = nil
	promoted, err := e.fetchWith(ctx, "headless", e.deps.Headless, req)
	if err != nil {
		logger.Warn("headless promotion failed", zap.Error(err))
		return resp, false
	}
	promoted.UsedHeadless = true
	logger.Debug("headless promotion applied")
	return promoted, true
}

func (e *Executor) reportProxy(ctx context.Context, proxy *crawler.Proxy, fetchErr error, logger *zap.Logger) {
	if proxy == nil || e.deps.Proxies == nil {
		return
	}
	ok, hard := fetchErr == nil, false
	var fe *crawler.FetchError
	if errors.As(fetchErr, &fe) {
		switch fe.Category {
		case crawler.CategoryConnection, crawler.CategoryTimeout:
			hard = true
		case crawler.CategoryHTTPStatus:
			// The proxy delivered a response; only blocking statuses count against it.
			ok = fe.StatusCode != 403 && fe.StatusCode != 407 && fe.StatusCode != 429
		}
	}
	if err := e.deps.Proxies.Report(context.WithoutCancel(ctx), proxy.ID, ok, hard); err != nil {
		logger.Warn("proxy report failed", zap.Int64("proxy_id", proxy.ID), zap.Error(err))
	}
}
