package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultRobotsTTL  = time.Hour
	maxRobotsBodySize = 512 << 10
	allowAllRobots    = "User-agent: *\nAllow: /"
)

var robotsRetryDelays = []time.Duration{250 * time.Millisecond, time.Second}

// robotsEntry is the last robots.txt answer for one origin. Fallback marks
// an allow-all substitute recorded after the origin could not be reached.
type robotsEntry struct {
	status    int
	body      []byte
	fetchedAt time.Time
	fallback  bool
}

// robotsCache shares robots.txt answers across the per-request collectors.
type robotsCache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex
	entries map[string]robotsEntry
}

func newRobotsCache(ttl time.Duration) *robotsCache {
	if ttl <= 0 {
		ttl = defaultRobotsTTL
	}
	return &robotsCache{ttl: ttl, now: time.Now, entries: make(map[string]robotsEntry)}
}

func (c *robotsCache) get(origin string) (robotsEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[origin]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return robotsEntry{}, false
	}
	return e, true
}

func (c *robotsCache) put(origin string, e robotsEntry) {
	e.fetchedAt = c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[origin] = e
}

// robotsTransport answers robots.txt requests from the cache and passes
// everything else to base.
type robotsTransport struct {
	base  http.RoundTripper
	cache *robotsCache
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || !strings.EqualFold(req.URL.Path, "/robots.txt") {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("round trip %s: %w", req.URL, err)
		}
		return resp, nil
	}
	origin := req.URL.Scheme + "://" + strings.ToLower(req.URL.Host)
	if e, ok := t.cache.get(origin); ok {
		return e.response(req), nil
	}
	e, err := t.load(req)
	if err != nil {
		return nil, err
	}
	t.cache.put(origin, e)
	return e.response(req), nil
}

// load fetches robots.txt, retrying transient network failures. An origin
// that stays unreachable or answers 5xx is treated as allowing everything.
func (t *robotsTransport) load(req *http.Request) (robotsEntry, error) {
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			defer resp.Body.Close()
			body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBodySize))
			if readErr != nil || resp.StatusCode >= http.StatusInternalServerError {
				return robotsEntry{status: http.StatusOK, body: []byte(allowAllRobots), fallback: true}, nil
			}
			return robotsEntry{status: resp.StatusCode, body: body}, nil
		}
		if !isTransient(err) {
			return robotsEntry{}, fmt.Errorf("fetch robots.txt: %w", err)
		}
		if attempt == len(robotsRetryDelays) {
			return robotsEntry{status: http.StatusOK, body: []byte(allowAllRobots), fallback: true}, nil
		}
		if err := sleepCtx(req.Context(), robotsRetryDelays[attempt]); err != nil {
			return robotsEntry{}, err
		}
	}
}

func (e robotsEntry) response(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    e.status,
		Status:        fmt.Sprintf("%d %s", e.status, http.StatusText(e.status)),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots retry wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
