package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/tasks/{task_id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	notFound := httpRequestsTotal.WithLabelValues(http.MethodGet, "404")
	ok := httpRequestsTotal.WithLabelValues(http.MethodGet, "200")
	beforeNotFound, beforeOK := testutil.ToFloat64(notFound), testutil.ToFloat64(ok)

	for _, path := range []string{"/v1/tasks/7", "/v1/tasks/8"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, beforeNotFound+2, testutil.ToFloat64(notFound))
	require.Equal(t, beforeOK+1, testutil.ToFloat64(ok))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestRoutePatternUnmatched(t *testing.T) {
	t.Parallel()

	require.Equal(t, unmatchedRoute, routePattern(httptest.NewRequest(http.MethodGet, "/nowhere", nil)))
}
