package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitepulse-crawler/internal/clock"
	"github.com/JakeFAU/sitepulse-crawler/internal/crawler"
	"github.com/JakeFAU/sitepulse-crawler/internal/healing"
	"github.com/JakeFAU/sitepulse-crawler/internal/lease"
	"github.com/JakeFAU/sitepulse-crawler/internal/storage/memory"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHealer struct {
	result healing.Result
	err    error
	calls  []int64
}

func (f *fakeHealer) HealTask(_ context.Context, id int64) (healing.Result, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return healing.Result{}, f.err
	}
	res := f.result
	res.TaskID = id
	return res, nil
}

type fakeSyncer struct {
	result lease.SyncResult
	err    error
}

func (f *fakeSyncer) SyncFrom(context.Context, crawler.SiteStore) (lease.SyncResult, error) {
	return f.result, f.err
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestServer(t *testing.T, deps Deps, cfg Config) (*Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	if deps.Tasks == nil {
		deps.Tasks = store
	}
	if deps.Rules == nil {
		deps.Rules = store
	}
	if deps.Sites == nil {
		deps.Sites = store
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewManual(testNow)
	}
	return NewServer(deps, cfg, zap.NewNop()), store
}

func serve(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Deps{}, Config{})

	rec := serve(s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Deps{}, Config{})

	rec := serve(s, http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "req-42"})
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	healthy, _ := newTestServer(t, Deps{Checks: map[string]Pinger{
		"redis": pingFunc(func(context.Context) error { return nil }),
	}}, Config{})
	rec := serve(healthy, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	broken, _ := newTestServer(t, Deps{Checks: map[string]Pinger{
		"redis":    pingFunc(func(context.Context) error { return nil }),
		"postgres": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	}}, Config{})
	rec = serve(broken, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body struct {
		Failing map[string]string `json:"failing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, map[string]string{"postgres": "connection refused"}, body.Failing)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Deps{}, Config{})

	serve(s, http.MethodGet, "/healthz", nil)
	rec := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Deps{}, Config{AuthEnabled: true, APIKey: "secret"})

	require.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusUnauthorized, serve(s, http.MethodGet, "/v1/tasks", nil).Code)
	require.Equal(t, http.StatusUnauthorized,
		serve(s, http.MethodGet, "/v1/tasks", map[string]string{"X-API-Key": "wrong"}).Code)
	require.Equal(t, http.StatusOK,
		serve(s, http.MethodGet, "/v1/tasks", map[string]string{"X-API-Key": "secret"}).Code)
}

func TestListTasks(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, Deps{}, Config{})
	for i := range 3 {
		store.SetTask(crawler.Task{
			SiteID: 1, URL: fmt.Sprintf("https://news.example/a/%d", i),
			Status: crawler.TaskStatusBroken, PageType: crawler.PageTypeContent,
		})
	}
	store.SetTask(crawler.Task{SiteID: 1, URL: "https://news.example/", Status: crawler.TaskStatusFailed})

	tests := []struct {
		name   string
		query  string
		code   int
		expect int
	}{
		{name: "defaults to broken", query: "", code: http.StatusOK, expect: 3},
		{name: "explicit status", query: "?status=FAILED", code: http.StatusOK, expect: 1},
		{name: "limit", query: "?status=BROKEN&limit=2", code: http.StatusOK, expect: 2},
		{name: "empty list", query: "?status=DONE", code: http.StatusOK, expect: 0},
		{name: "unknown status", query: "?status=LOST", code: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=-1", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(s, http.MethodGet, "/v1/tasks"+tt.query, nil)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			if tt.code != http.StatusOK {
				return
			}
			var body struct {
				Tasks []crawler.Task `json:"tasks"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.NotNil(t, body.Tasks)
			require.Len(t, body.Tasks, tt.expect)
		})
	}
}

func TestGetTask(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, Deps{}, Config{})
	store.SetTask(crawler.Task{ID: 7, SiteID: 1, URL: "https://news.example/a/7", Status: crawler.TaskStatusDone})

	rec := serve(s, http.MethodGet, "/v1/tasks/7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"url":"https://news.example/a/7"`)

	require.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/v1/tasks/99", nil).Code)
	require.Equal(t, http.StatusBadRequest, serve(s, http.MethodGet, "/v1/tasks/abc", nil).Code)
}

func TestRetryTask(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, Deps{}, Config{})
	store.SetTask(crawler.Task{ID: 1, SiteID: 1, URL: "https://news.example/a/1", Status: crawler.TaskStatusFailed, RetryCount: 3})
	store.SetTask(crawler.Task{ID: 2, SiteID: 1, URL: "https://news.example/a/2", Status: crawler.TaskStatusDone})

	rec := serve(s, http.MethodPost, "/v1/tasks/1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task, err := store.GetTask(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusPending, task.Status)
	require.Zero(t, task.RetryCount)

	require.Equal(t, http.StatusConflict, serve(s, http.MethodPost, "/v1/tasks/2/retry", nil).Code)
	require.Equal(t, http.StatusNotFound, serve(s, http.MethodPost, "/v1/tasks/3/retry", nil).Code)
}

func TestHealTask(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestServer(t, Deps{}, Config{})
		require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodPost, "/v1/tasks/1/heal", nil).Code)
	})

	t.Run("repaired", func(t *testing.T) {
		t.Parallel()
		healer := &fakeHealer{result: healing.Result{Repaired: 2, Relaunched: true}}
		s, _ := newTestServer(t, Deps{Healer: healer}, Config{})
		rec := serve(s, http.MethodPost, "/v1/tasks/5/heal", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.JSONEq(t, `{"task_id":5,"repaired":2,"relaunched":true}`, rec.Body.String())
		require.Equal(t, []int64{5}, healer.calls)
	})

	t.Run("not broken", func(t *testing.T) {
		t.Parallel()
		healer := &fakeHealer{err: fmt.Errorf("task 5: %w", healing.ErrNotBroken)}
		s, _ := newTestServer(t, Deps{Healer: healer}, Config{})
		require.Equal(t, http.StatusConflict, serve(s, http.MethodPost, "/v1/tasks/5/heal", nil).Code)
	})

	t.Run("store failure", func(t *testing.T) {
		t.Parallel()
		healer := &fakeHealer{err: errors.New("db down")}
		s, _ := newTestServer(t, Deps{Healer: healer}, Config{})
		rec := serve(s, http.MethodPost, "/v1/tasks/5/heal", nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.NotContains(t, rec.Body.String(), "db down")
	})
}

func TestSyncSites(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, Deps{}, Config{})
	require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodPost, "/v1/sites/sync", nil).Code)

	s, _ = newTestServer(t, Deps{Leases: &fakeSyncer{result: lease.SyncResult{Active: 3, Added: 1, Removed: 2}}}, Config{})
	rec := serve(s, http.MethodPost, "/v1/sites/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"active":3,"added":1,"removed":2}`, rec.Body.String())

	s, _ = newTestServer(t, Deps{Leases: &fakeSyncer{err: errors.New("redis down")}}, Config{})
	require.Equal(t, http.StatusInternalServerError, serve(s, http.MethodPost, "/v1/sites/sync", nil).Code)
}

func TestSiteStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s, _ := newTestServer(t, Deps{}, Config{})
	require.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/v1/sites/1/stats", nil).Code)

	store := memory.NewStore()
	s, _ = newTestServer(t, Deps{Tasks: store, Rules: store, Sites: store, Stats: store}, Config{})
	siteID := store.PutSite(crawler.Site{Name: "news", Domain: "news.example", Active: true})
	today := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, fetches := range []int64{5, 3, 8} {
		require.NoError(t, store.AddSiteStats(ctx, crawler.SiteStats{SiteID: siteID, Day: today.AddDate(0, 0, i-2), Fetches: fetches}))
	}

	rec := serve(s, http.MethodGet, fmt.Sprintf("/v1/sites/%d/stats?days=2", siteID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		SiteID int64               `json:"site_id"`
		Days   []crawler.SiteStats `json:"days"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, siteID, body.SiteID)
	require.Len(t, body.Days, 2)
	require.Equal(t, int64(3), body.Days[0].Fetches)
	require.Equal(t, int64(8), body.Days[1].Fetches)

	rec = serve(s, http.MethodGet, fmt.Sprintf("/v1/sites/%d/stats", siteID), nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Days, 3)

	require.Equal(t, http.StatusBadRequest, serve(s, http.MethodGet, fmt.Sprintf("/v1/sites/%d/stats?days=0", siteID), nil).Code)
	require.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/v1/sites/999/stats", nil).Code)
}

func TestRuleHistory(t *testing.T) {
	t.Parallel()
	s, store := newTestServer(t, Deps{}, Config{})
	pageRuleID := store.PutPageRule(crawler.PageRule{SiteID: 1, PageType: crawler.PageTypeContent, Active: true})
	ruleID := store.PutExtractionRule(crawler.ExtractionRule{
		PageRuleID: pageRuleID, Key: "title", Selector: "h1.old", Required: true, Status: crawler.RuleStatusActive,
	})
	require.NoError(t, store.ApplyRuleChange(context.Background(), crawler.RuleChange{
		Target: crawler.RuleTargetField, RuleID: ruleID, TaskID: 9,
		OldSelector: "h1.old", NewSelector: "h1.headline", Reason: "class renamed",
		Verified: true, UpdatedBy: healing.UpdatedBy, CreatedAt: testNow,
	}))

	rec := serve(s, http.MethodGet, fmt.Sprintf("/v1/rules/%d/history", ruleID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Changes []crawler.RuleChange `json:"changes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Changes, 1)
	require.Equal(t, "h1.headline", body.Changes[0].NewSelector)
	require.Equal(t, healing.UpdatedBy, body.Changes[0].UpdatedBy)

	rec = serve(s, http.MethodGet, fmt.Sprintf("/v1/rules/%d/history?target=LINK_SCOPE", ruleID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"changes":[]}`, rec.Body.String())

	require.Equal(t, http.StatusBadRequest,
		serve(s, http.MethodGet, fmt.Sprintf("/v1/rules/%d/history?target=TITLE", ruleID), nil).Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Deps{}, Config{})
	handler := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
