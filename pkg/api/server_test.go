package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/minilytics/pkg/analytics"
	"github.com/platinummonkey/minilytics/pkg/middleware"
	"github.com/platinummonkey/minilytics/pkg/observability"
	"github.com/platinummonkey/minilytics/pkg/storage"
)

type testServer struct {
	*httptest.Server
	metrics *observability.Metrics
}

func newTestServer(t *testing.T, limit *middleware.RateLimitConfig) *testServer {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	cfg := storage.DefaultConfig()
	cfg.SQLitePath = filepath.Join(t.TempDir(), "analytics.db")
	store, err := storage.Open(context.Background(), cfg, storage.WithLogger(logger), storage.WithMetrics(metrics))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cache := analytics.NewSiteCache(64, time.Hour)
	tracker := analytics.NewTracker(store, analytics.WithTrackerCache(cache), analytics.WithTrackerMetrics(metrics))
	service := analytics.NewService(store, analytics.WithServiceCache(cache), analytics.WithServiceMetrics(metrics))

	routerCfg := RouterConfig{
		Handlers:     NewHandlers(tracker, service, ""),
		Logger:       logger,
		Metrics:      metrics,
		MaxBodyBytes: 16 << 10,
	}
	if limit != nil {
		rl := middleware.NewRateLimitMiddleware(middleware.NewRateLimiter(limit), limit.RequestsPerWindow, metrics, logger)
		routerCfg.RateLimit = rl.Handler
	}

	srv := httptest.NewServer(NewRouter(routerCfg))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, metrics: metrics}
}

func (s *testServer) track(t *testing.T, body, userAgent string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+"/track", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *testServer) stats(t *testing.T, path string) (int, analytics.StatsReport) {
	t.Helper()
	resp, err := s.Client().Get(s.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var report analytics.StatsReport
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	}
	return resp.StatusCode, report
}

func TestServer_TrackThenStats(t *testing.T) {
	srv := newTestServer(t, nil)

	assert.Equal(t, http.StatusOK, srv.track(t, `{"site_key":"blog","page_path":"/a","referrer":"https://x.io"}`, "UA1").StatusCode)
	assert.Equal(t, http.StatusOK, srv.track(t, `{"site_key":"blog","page_path":"/a"}`, "UA1").StatusCode)
	assert.Equal(t, http.StatusOK, srv.track(t, `{"site_key":"blog","page_path":"/b","referrer":""}`, "UA2").StatusCode)

	code, report := srv.stats(t, "/stats/blog")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, "blog", report.SiteKey)
	assert.Equal(t, 30, report.PeriodDays)
	assert.Equal(t, int64(3), report.TotalViews)
	// UA1 with and without referrer hash differently
	assert.Equal(t, int64(3), report.UniqueVisitors)
	require.Len(t, report.DailyViews, 1)
	assert.Equal(t, int64(3), report.DailyViews[0].Views)
	assert.Equal(t, []analytics.PageViews{{PagePath: "/a", Views: 2}, {PagePath: "/b", Views: 1}}, report.TopPages)
	assert.Equal(t, []analytics.ReferrerVisits{{Referrer: "https://x.io", Visits: 1}}, report.TopReferrers)
}

func TestServer_UnknownSite(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := srv.Client().Get(srv.URL + "/stats/nobody?days=7")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{
		"site_key": "nobody",
		"period_days": 7,
		"total_views": 0,
		"unique_visitors": 0,
		"daily_views": [],
		"top_pages": [],
		"top_referrers": []
	}`, string(raw))
}

func TestServer_ValidationFailure(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.track(t, `{"site_key":"blog"}`, "UA1")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	code, report := srv.stats(t, "/stats/blog")
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, report.TotalViews)
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.EventsRejectedTotal.WithLabelValues("validation")))
}

func TestServer_BodyLimit(t *testing.T) {
	srv := newTestServer(t, nil)

	body := `{"site_key":"blog","page_path":"/` + strings.Repeat("a", 32<<10) + `"}`
	resp := srv.track(t, body, "UA1")

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RateLimitOnlyOnTrack(t *testing.T) {
	srv := newTestServer(t, &middleware.RateLimitConfig{
		RequestsPerWindow: 2,
		WindowDuration:    time.Hour,
	})

	assert.Equal(t, http.StatusOK, srv.track(t, `{"site_key":"blog","page_path":"/a"}`, "UA").StatusCode)
	assert.Equal(t, http.StatusOK, srv.track(t, `{"site_key":"blog","page_path":"/a"}`, "UA").StatusCode)

	limited := srv.track(t, `{"site_key":"blog","page_path":"/a"}`, "UA")
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))

	for i := 0; i < 5; i++ {
		code, report := srv.stats(t, "/stats/blog")
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, int64(2), report.TotalViews)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.RateLimitedTotal))
}

func TestServer_CORS(t *testing.T) {
	srv := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/track", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://blog.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	tracked := srv.track(t, `{"site_key":"blog","page_path":"/a"}`, "UA")
	assert.Equal(t, "*", tracked.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_RequestIDAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := srv.track(t, `{"site_key":"blog","page_path":"/a"}`, "UA")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	code, _ := srv.stats(t, "/stats/blog")
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.HTTPRequestsTotal.WithLabelValues("POST", "/track", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.HTTPRequestsTotal.WithLabelValues("GET", "/stats/{site_key}", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(srv.metrics.EventsRecordedTotal))
}

func TestServer_NotFoundAndMethod(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := srv.Client().Get(srv.URL + "/admin/blog")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/track")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
