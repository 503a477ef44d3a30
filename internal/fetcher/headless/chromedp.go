// Package headless renders JavaScript-driven pages through headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	defaultReadySelector     = "body"
)

// heavyResources are skipped while rendering; extraction only needs the DOM.
var heavyResources = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf", "*.mp4", "*.webm", "*.mp3",
}

// Config controls the headless fetcher.
type Config struct {
	MaxParallel       int           `mapstructure:"max_parallel"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	ReadySelector     string        `mapstructure:"ready_selector"`
	BlockResources    bool          `mapstructure:"block_resources"`
	ExecPath          string        `mapstructure:"exec_path"`
}

// Fetcher implements crawler.Fetcher with chromedp. Each fetch opens a tab in
// one shared browser; at most MaxParallel tabs are open at once.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	browser     context.Context
	closeBrowse context.CancelFunc
	logger      *zap.Logger
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// NewChromedp prepares the browser allocator. Chrome itself starts with the
// first fetch.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = defaultReadySelector
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	browser, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	f := &Fetcher{
		cfg:         cfg,
		browser:     browser,
		closeBrowse: cancel,
		logger:      logger.Named("headless"),
	}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.closeBrowse()
}

// Fetch renders request.URL and returns the serialized DOM.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("wait for browser tab: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tab, closeTab := chromedp.NewContext(f.browser)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()
	tab, cancel := context.WithTimeout(tab, f.timeout(request))
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		f.prepare(request),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(f.cfg.ReadySelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResponse{}, fmt.Errorf("render canceled: %w", ctx.Err())
		}
		category := crawler.CategoryConnection
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(tab.Err(), context.DeadlineExceeded) {
			category = crawler.CategoryTimeout
		}
		return crawler.FetchResponse{}, &crawler.FetchError{Category: category, URL: request.URL, Err: err}
	}

	status, headers, finalURL := doc.result(request.URL, location)
	if status >= http.StatusBadRequest {
		return crawler.FetchResponse{}, &crawler.FetchError{Category: crawler.CategoryHTTPStatus, StatusCode: status, URL: finalURL}
	}
	f.logger.Debug("page rendered", zap.String("url", finalURL), zap.Int("status", status), zap.Int("bytes", len(html)))
	return crawler.FetchResponse{
		URL:          finalURL,
		StatusCode:   status,
		Headers:      headers,
		Body:         []byte(html),
		Duration:     time.Since(start),
		UsedHeadless: true,
	}, nil
}

// prepare applies the user agent, site headers, and resource blocking to the tab.
func (f *Fetcher) prepare(request crawler.FetchRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		ua := request.UserAgent
		if ua == "" {
			ua = f.cfg.UserAgent
		}
		if ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if len(request.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(networkHeaders(request.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set site headers: %w", err)
			}
		}
		if f.cfg.BlockResources {
			if err := network.SetBlockedURLs(heavyResources).Do(ctx); err != nil {
				return fmt.Errorf("block resources: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) timeout(request crawler.FetchRequest) time.Duration {
	if request.Timeout > 0 {
		return request.Timeout
	}
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return defaultNavigationTimeout
}

// documentResponse keeps the first document response of a tab, which is the
// page itself rather than a nested frame.
type documentResponse struct {
	mu      sync.Mutex
	seen    bool
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = http.Header{}
	for key, value := range resp.Response.Headers {
		switch v := value.(type) {
		case string:
			d.headers.Add(key, v)
		case []any:
			for _, entry := range v {
				d.headers.Add(key, fmt.Sprint(entry))
			}
		default:
			d.headers.Add(key, fmt.Sprint(v))
		}
	}
}

// result reports the captured response, falling back to the browser location
// and then the requested URL. A page whose document response was never seen
// (served from cache, for instance) counts as 200.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url, headers := d.status, d.url, d.headers.Clone()
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func networkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}
