// Package collyfetcher fetches static pages with gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	RobotsTTL     time.Duration `mapstructure:"robots_ttl"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodySize   int           `mapstructure:"max_body_size"`
}

// Fetcher builds a fresh collector for every request so per-site user
// agents, headers, timeouts, and proxies never leak between sites. The
// HTTP transports and the robots.txt cache are shared.
type Fetcher struct {
	cfg    Config
	direct *http.Transport
	robots *robotsCache
	logger *zap.Logger

	mu      sync.Mutex
	proxies map[string]*http.Transport
}

var _ crawler.Fetcher = (*Fetcher)(nil)

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Fetcher{
		cfg:     cfg,
		direct:  newHTTPTransport(nil),
		robots:  newRobotsCache(cfg.RobotsTTL),
		logger:  logger.Named("colly"),
		proxies: make(map[string]*http.Transport),
	}
}

// Fetch performs one GET. Failures are *crawler.FetchError values so the
// caller can classify them.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", err)
	}
	transport, err := f.transportFor(request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	v := &visit{request: request, start: time.Now()}
	c := f.collector(request, transport)
	c.OnRequest(v.onRequest)
	c.OnResponse(v.onResponse)
	c.OnError(v.onError)

	done := make(chan error, 1)
	go func() { done <- c.Visit(request.URL) }()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return crawler.FetchResponse{}, &crawler.FetchError{Category: crawler.CategoryTimeout, URL: request.URL, Err: ctx.Err()}
		}
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err := v.result(err); err != nil {
			f.logger.Debug("fetch failed", zap.String("url", request.URL), zap.Error(err))
			return crawler.FetchResponse{}, err
		}
		return v.resp, nil
	}
}

func (f *Fetcher) collector(request crawler.FetchRequest, transport http.RoundTripper) *colly.Collector {
	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = f.cfg.UserAgent
	if request.UserAgent != "" {
		c.UserAgent = request.UserAgent
	}
	if f.cfg.MaxBodySize > 0 {
		c.MaxBodySize = f.cfg.MaxBodySize
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	c.SetRequestTimeout(timeout)
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	if f.cfg.RespectRobots {
		transport = &robotsTransport{base: transport, cache: f.robots}
	}
	c.WithTransport(transport)
	return c
}

// transportFor returns the shared direct transport, or one transport per
// proxy URL so proxied connections are pooled too.
func (f *Fetcher) transportFor(request crawler.FetchRequest) (*http.Transport, error) {
	if request.Proxy == nil {
		return f.direct, nil
	}
	proxyURL, err := url.Parse(request.Proxy.URL)
	if err != nil || proxyURL.Host == "" {
		if err == nil {
			err = errors.New("missing host")
		}
		return nil, &crawler.FetchError{Category: crawler.CategoryMalformed, URL: request.URL, Err: fmt.Errorf("proxy url: %w", err)}
	}
	key := proxyURL.String()
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.proxies[key]
	if !ok {
		t = newHTTPTransport(proxyURL)
		f.proxies[key] = t
	}
	return t, nil
}

// visit collects the callbacks of one collector run.
type visit struct {
	request crawler.FetchRequest
	start   time.Time
	resp    crawler.FetchResponse
	err     error
}

func (v *visit) onRequest(r *colly.Request) {
	for key, values := range v.request.Headers {
		for _, value := range values {
			r.Headers.Add(key, value)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	v.resp = crawler.FetchResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(v.start),
	}
}

func (v *visit) onError(r *colly.Response, err error) {
	v.err = classify(v.request.URL, r, err)
}

// result prefers the error seen by the callbacks, which carries the status
// code, over the one returned by Visit.
func (v *visit) result(visitErr error) error {
	if v.err != nil {
		return v.err
	}
	if visitErr != nil {
		return classify(v.request.URL, nil, visitErr)
	}
	return nil
}

// classify maps a colly failure onto the fetch error categories.
func classify(rawURL string, r *colly.Response, err error) *crawler.FetchError {
	var fe *crawler.FetchError
	if errors.As(err, &fe) {
		return fe
	}
	wrap := func(category crawler.ErrorCategory) *crawler.FetchError {
		return &crawler.FetchError{Category: category, URL: rawURL, Err: err}
	}
	if r != nil && r.StatusCode >= http.StatusBadRequest {
		fe := wrap(crawler.CategoryHTTPStatus)
		fe.StatusCode = r.StatusCode
		return fe
	}
	if errors.Is(err, colly.ErrMissingURL) || errors.Is(err, colly.ErrForbiddenURL) ||
		errors.Is(err, colly.ErrForbiddenDomain) || errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return wrap(crawler.CategoryMalformed)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrap(crawler.CategoryTimeout)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return wrap(crawler.CategoryMalformed)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrap(crawler.CategoryTimeout)
	}
	return wrap(crawler.CategoryConnection)
}

func newHTTPTransport(proxy *url.URL) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = 15 * time.Second
	t.MaxIdleConnsPerHost = 4
	if proxy != nil {
		t.Proxy = http.ProxyURL(proxy)
	}
	return t
}
