package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/minilytics/pkg/observability"
	"github.com/platinummonkey/minilytics/pkg/storage"
)

const hasEventsPattern = `SELECT 1 FROM analytics WHERE site_key = \$1 LIMIT 1`

var fixedNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.Local)

func newMockService(t *testing.T, opts ...ServiceOption) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	store := storage.NewSQLStore(storage.NewConnectionManager(db), storage.PostgresDialect())
	opts = append([]ServiceOption{WithServiceClock(func() time.Time { return fixedNow })}, opts...)
	return NewService(store, opts...), mock
}

func expectAggregates(mock sqlmock.Sqlmock, siteKey, since string) {
	mock.ExpectQuery(regexp.QuoteMeta(totalViewsQuery)).
		WithArgs(siteKey, since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(uniqueVisitorsQuery)).
		WithArgs(siteKey, since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(dailyViewsQuery)).
		WithArgs(siteKey, since).
		WillReturnRows(sqlmock.NewRows([]string{"view_date", "views"}).
			AddRow("2025-06-14", 1).
			AddRow("2025-06-15", 2))
	mock.ExpectQuery(regexp.QuoteMeta(topPagesQuery)).
		WithArgs(siteKey, since, TopN).
		WillReturnRows(sqlmock.NewRows([]string{"page_path", "views"}).
			AddRow("/a", 2).
			AddRow("/b", 1))
	mock.ExpectQuery(regexp.QuoteMeta(topReferrersQuery)).
		WithArgs(siteKey, since, TopN).
		WillReturnRows(sqlmock.NewRows([]string{"referrer", "visits"}).
			AddRow("https://news.example/", 1))
}

func TestGetStats_FullReport(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	service, mock := newMockService(t, WithServiceMetrics(metrics))

	since := WindowStart(fixedNow, 7)
	mock.ExpectQuery(hasEventsPattern).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	expectAggregates(mock, "s1", since)

	report, err := service.GetStats(context.Background(), "s1", 7)
	require.NoError(t, err)

	assert.Equal(t, "s1", report.SiteKey)
	assert.Equal(t, 7, report.PeriodDays)
	assert.Equal(t, int64(3), report.TotalViews)
	assert.Equal(t, int64(2), report.UniqueVisitors)
	assert.Equal(t, []DailyViews{{Date: "2025-06-14", Views: 1}, {Date: "2025-06-15", Views: 2}}, report.DailyViews)
	assert.Equal(t, []PageViews{{PagePath: "/a", Views: 2}, {PagePath: "/b", Views: 1}}, report.TopPages)
	assert.Equal(t, []ReferrerVisits{{Referrer: "https://news.example/", Visits: 1}}, report.TopReferrers)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StatsQueriesTotal.WithLabelValues("ok")))
}

func TestGetStats_UnknownSiteFastPath(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	service, mock := newMockService(t, WithServiceMetrics(metrics))

	mock.ExpectQuery(hasEventsPattern).WithArgs("unknown-site").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	report, err := service.GetStats(context.Background(), "unknown-site", 30)
	require.NoError(t, err)

	assert.Zero(t, report.TotalViews)
	assert.Zero(t, report.UniqueVisitors)
	assert.NotNil(t, report.DailyViews)
	assert.Empty(t, report.DailyViews)
	assert.Empty(t, report.TopPages)
	assert.Empty(t, report.TopReferrers)

	body, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"site_key": "unknown-site",
		"period_days": 30,
		"total_views": 0,
		"unique_visitors": 0,
		"daily_views": [],
		"top_pages": [],
		"top_referrers": []
	}`, string(body))

	// No aggregate query may run for a site without events
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StatsQueriesTotal.WithLabelValues("empty")))
}

func TestGetStats_CachedSiteSkipsProbe(t *testing.T) {
	cache := NewSiteCache(16, time.Hour)
	cache.Remember("s1")
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	service, mock := newMockService(t, WithServiceCache(cache), WithServiceMetrics(metrics))

	expectAggregates(mock, "s1", WindowStart(fixedNow, 30))

	_, err := service.GetStats(context.Background(), "s1", 30)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.SiteCacheHitsTotal))
}

func TestGetStats_ProbeRemembersSite(t *testing.T) {
	cache := NewSiteCache(16, time.Hour)
	service, mock := newMockService(t, WithServiceCache(cache))

	mock.ExpectQuery(hasEventsPattern).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	expectAggregates(mock, "s1", WindowStart(fixedNow, 30))

	_, err := service.GetStats(context.Background(), "s1", 30)
	require.NoError(t, err)
	assert.True(t, cache.Known("s1"))
}

func TestGetStats_SubQueryFailureAbortsReport(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	service, mock := newMockService(t, WithServiceMetrics(metrics))
	since := WindowStart(fixedNow, 30)

	mock.ExpectQuery(hasEventsPattern).WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(totalViewsQuery)).WithArgs("s1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(uniqueVisitorsQuery)).WithArgs("s1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta(dailyViewsQuery)).WithArgs("s1", since).
		WillReturnError(sql.ErrConnDone)
	mock.ExpectQuery(regexp.QuoteMeta(topPagesQuery)).WithArgs("s1", since, TopN).
		WillReturnRows(sqlmock.NewRows([]string{"page_path", "views"}))
	mock.ExpectQuery(regexp.QuoteMeta(topReferrersQuery)).WithArgs("s1", since, TopN).
		WillReturnRows(sqlmock.NewRows([]string{"referrer", "visits"}))

	report, err := service.GetStats(context.Background(), "s1", 30)
	require.Error(t, err)
	assert.Nil(t, report, "no partial report on failure")
	assert.ErrorIs(t, err, storage.ErrStore)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StatsQueriesTotal.WithLabelValues("error")))
}

func TestGetStats_ProbeFailure(t *testing.T) {
	service, mock := newMockService(t)

	mock.ExpectQuery(hasEventsPattern).WillReturnError(errors.New("disk I/O error"))

	report, err := service.GetStats(context.Background(), "s1", 30)
	assert.Nil(t, report)
	assert.ErrorIs(t, err, storage.ErrStore)
}

func TestGetStats_NegativeWindow(t *testing.T) {
	service, mock := newMockService(t)

	_, err := service.GetStats(context.Background(), "s1", -1)
	assert.ErrorIs(t, err, ErrValidation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWindowStart(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 30, 0, 0, time.Local)

	tests := []struct {
		days int
		want string
	}{
		{days: 0, want: "2025-03-01"},
		{days: 1, want: "2025-02-28"},
		{days: 30, want: "2025-01-30"},
		{days: 365, want: "2024-03-01"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, WindowStart(now, tt.days), "days=%d", tt.days)
	}
}
