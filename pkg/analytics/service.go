package analytics

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/minilytics/pkg/observability"
	"github.com/platinummonkey/minilytics/pkg/storage"
)

// TopN bounds top_pages and top_referrers
const TopN = 10

// DefaultWindowDays is used when callers do not pass a window
const DefaultWindowDays = 30

// Every query is bounded by site ($1) and the first calendar day of the
// window ($2). Ties in top lists break on the key, ascending.
const (
	totalViewsQuery = `
		SELECT COUNT(*)
		FROM analytics
		WHERE site_key = $1 AND view_date >= $2`

	uniqueVisitorsQuery = `
		SELECT COUNT(DISTINCT visitor_hash)
		FROM analytics
		WHERE site_key = $1 AND view_date >= $2`

	dailyViewsQuery = `
		SELECT view_date, COUNT(*) AS views
		FROM analytics
		WHERE site_key = $1 AND view_date >= $2
		GROUP BY view_date
		ORDER BY view_date ASC`

	topPagesQuery = `
		SELECT page_path, COUNT(*) AS views
		FROM analytics
		WHERE site_key = $1 AND view_date >= $2
		GROUP BY page_path
		ORDER BY views DESC, page_path ASC
		LIMIT $3`

	topReferrersQuery = `
		SELECT referrer, COUNT(*) AS visits
		FROM analytics
		WHERE site_key = $1 AND view_date >= $2 AND referrer IS NOT NULL
		GROUP BY referrer
		ORDER BY visits DESC, referrer ASC
		LIMIT $3`
)

// DailyViews is one day of the time series
type DailyViews struct {
	Date  string `json:"date"`
	Views int64  `json:"views"`
}

// PageViews is one entry of top_pages
type PageViews struct {
	PagePath string `json:"page_path"`
	Views    int64  `json:"views"`
}

// ReferrerVisits is one entry of top_referrers
type ReferrerVisits struct {
	Referrer string `json:"referrer"`
	Visits   int64  `json:"visits"`
}

// StatsReport summarizes one site over a trailing window of calendar days.
// Lists are never nil so they serialize as [].
type StatsReport struct {
	SiteKey        string           `json:"site_key"`
	PeriodDays     int              `json:"period_days"`
	TotalViews     int64            `json:"total_views"`
	UniqueVisitors int64            `json:"unique_visitors"`
	DailyViews     []DailyViews     `json:"daily_views"`
	TopPages       []PageViews      `json:"top_pages"`
	TopReferrers   []ReferrerVisits `json:"top_referrers"`
}

func emptyReport(siteKey string, days int) *StatsReport {
	return &StatsReport{
		SiteKey:      siteKey,
		PeriodDays:   days,
		DailyViews:   []DailyViews{},
		TopPages:     []PageViews{},
		TopReferrers: []ReferrerVisits{},
	}
}

// Service is the aggregation engine. It only reads.
type Service struct {
	store   storage.EventStore
	cache   *SiteCache
	metrics *observability.Metrics
	now     func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceCache shares the known-site cache with the Tracker
func WithServiceCache(cache *SiteCache) ServiceOption {
	return func(s *Service) { s.cache = cache }
}

// WithServiceMetrics enables aggregation metrics
func WithServiceMetrics(metrics *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = metrics }
}

// WithServiceClock overrides the clock used to place the window
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a new analytics service
func NewService(store storage.EventStore, opts ...ServiceOption) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WindowStart returns the first calendar day (server-local) included in a
// window of days ending at now. days == 0 means today only.
func WindowStart(now time.Time, days int) string {
	local := now.In(time.Local)
	y, m, d := local.Date()
	return time.Date(y, m, d-days, 0, 0, 0, 0, time.Local).Format(storage.ViewDateLayout)
}

// GetStats builds the report for siteKey over the trailing windowDays.
// A site with no events at all returns an empty report without running the
// aggregate queries. The five aggregates run concurrently; any failure
// fails the whole call and no partial report is returned.
func (s *Service) GetStats(ctx context.Context, siteKey string, windowDays int) (report *StatsReport, err error) {
	ctx, span := observability.Tracer().Start(ctx, "analytics.GetStats")
	start := time.Now()
	result := "ok"
	defer func() {
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("result", result))
		span.End()
		if s.metrics != nil {
			s.metrics.StatsQueriesTotal.WithLabelValues(result).Inc()
			s.metrics.StatsQueryDuration.Observe(time.Since(start).Seconds())
		}
	}()
	span.SetAttributes(
		attribute.String("site_key", siteKey),
		attribute.Int("window_days", windowDays),
	)

	if windowDays < 0 {
		return nil, &ValidationError{Field: "days"}
	}

	known, err := s.siteHasEvents(ctx, siteKey)
	if err != nil {
		return nil, err
	}
	if !known {
		result = "empty"
		return emptyReport(siteKey, windowDays), nil
	}

	since := WindowStart(s.now(), windowDays)
	span.SetAttributes(attribute.String("since", since))

	report = emptyReport(siteKey, windowDays)
	reader := s.store.Reader()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scanCount(gctx, reader, "stats.total_views", totalViewsQuery, &report.TotalViews, siteKey, since)
	})
	g.Go(func() error {
		return scanCount(gctx, reader, "stats.unique_visitors", uniqueVisitorsQuery, &report.UniqueVisitors, siteKey, since)
	})
	g.Go(func() error {
		rows, err := reader.QueryContext(gctx, dailyViewsQuery, siteKey, since)
		if err != nil {
			return storage.NewStoreError("stats.daily_views", err)
		}
		defer rows.Close()

		for rows.Next() {
			var day DailyViews
			if err := rows.Scan(&day.Date, &day.Views); err != nil {
				return storage.NewStoreError("stats.daily_views", err)
			}
			report.DailyViews = append(report.DailyViews, day)
		}
		return storage.NewStoreError("stats.daily_views", rows.Err())
	})
	g.Go(func() error {
		rows, err := reader.QueryContext(gctx, topPagesQuery, siteKey, since, TopN)
		if err != nil {
			return storage.NewStoreError("stats.top_pages", err)
		}
		defer rows.Close()

		for rows.Next() {
			var page PageViews
			if err := rows.Scan(&page.PagePath, &page.Views); err != nil {
				return storage.NewStoreError("stats.top_pages", err)
			}
			report.TopPages = append(report.TopPages, page)
		}
		return storage.NewStoreError("stats.top_pages", rows.Err())
	})
	g.Go(func() error {
		rows, err := reader.QueryContext(gctx, topReferrersQuery, siteKey, since, TopN)
		if err != nil {
			return storage.NewStoreError("stats.top_referrers", err)
		}
		defer rows.Close()

		for rows.Next() {
			var ref ReferrerVisits
			if err := rows.Scan(&ref.Referrer, &ref.Visits); err != nil {
				return storage.NewStoreError("stats.top_referrers", err)
			}
			report.TopReferrers = append(report.TopReferrers, ref)
		}
		return storage.NewStoreError("stats.top_referrers", rows.Err())
	})

	if err := g.Wait(); err != nil {
		observability.FromContext(ctx).
			WithError(err).
			WithField("site_key", siteKey).
			Error("failed to build stats report")
		return nil, err
	}

	return report, nil
}

func (s *Service) siteHasEvents(ctx context.Context, siteKey string) (bool, error) {
	if s.cache.Known(siteKey) {
		if s.metrics != nil {
			s.metrics.SiteCacheHitsTotal.Inc()
		}
		return true, nil
	}
	if s.metrics != nil && s.cache != nil {
		s.metrics.SiteCacheMissesTotal.Inc()
	}

	found, err := s.store.HasEvents(ctx, siteKey)
	if err != nil {
		return false, storage.NewStoreError("stats.has_events", err)
	}
	if found {
		s.cache.Remember(siteKey)
	}
	return found, nil
}

func scanCount(ctx context.Context, reader storage.Querier, op, query string, dest *int64, args ...interface{}) error {
	var n sql.NullInt64
	if err := reader.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return storage.NewStoreError(op, err)
	}
	*dest = n.Int64
	return nil
}
