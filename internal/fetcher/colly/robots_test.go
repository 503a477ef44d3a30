package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func textResponse(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: http.Header{}}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestRobotsTransportCachesPerOrigin(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		return textResponse(http.StatusOK, "User-agent: *\nDisallow: /private"), nil
	})
	cache := newRobotsCache(time.Hour)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	tr := &robotsTransport{base: base, cache: cache}

	for range 3 {
		resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://news.example/robots.txt", nil))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, readBody(t, resp), "Disallow: /private")
	}
	require.Equal(t, int32(1), calls.Load())

	_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://blog.example/robots.txt", nil))
	require.NoError(t, err)
	require.Equal(t, int32(2), calls.Load())

	now = now.Add(time.Hour)
	_, err = tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://news.example/robots.txt", nil))
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestRobotsTransportFallsBackToAllowAll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		base  roundTripFunc
		calls int32
	}{
		{
			name: "server error",
			base: func(*http.Request) (*http.Response, error) {
				return textResponse(http.StatusServiceUnavailable, "down"), nil
			},
			calls: 1,
		},
		{
			name: "persistent timeout",
			base: func(*http.Request) (*http.Response, error) {
				return nil, context.DeadlineExceeded
			},
			calls: int32(len(robotsRetryDelays) + 1),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			tr := &robotsTransport{
				base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
					calls.Add(1)
					return tc.base(r)
				}),
				cache: newRobotsCache(0),
			}
			resp, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://news.example/robots.txt", nil))
			require.NoError(t, err)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			require.Equal(t, allowAllRobots, readBody(t, resp))
			require.Equal(t, tc.calls, calls.Load())

			entry, ok := tr.cache.get("https://news.example")
			require.True(t, ok)
			require.True(t, entry.fallback)
		})
	}
}

func TestRobotsTransportPassesThroughPages(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	tr := &robotsTransport{
		base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("refused")
		}),
		cache: newRobotsCache(0),
	}
	_, err := tr.RoundTrip(httptest.NewRequest(http.MethodGet, "https://news.example/article/1", nil))
	require.Error(t, err)
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchHonorsCachedRobots(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		robotsHits.Add(1)
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html><body>ok</body></html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := New(Config{RespectRobots: true}, nil)
	ctx := context.Background()
	for _, path := range []string{"/article/1", "/article/2"} {
		_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + path})
		require.NoError(t, err)
	}
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL + "/private/page"})
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.CategoryMalformed, fe.Category)
	require.Equal(t, int32(1), robotsHits.Load())
}
