package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Ingestion metrics
	EventsRecordedTotal prometheus.Counter
	EventsRejectedTotal *prometheus.CounterVec
	RateLimitedTotal    prometheus.Counter

	// Aggregation metrics
	StatsQueriesTotal    *prometheus.CounterVec
	StatsQueryDuration   prometheus.Histogram
	SiteCacheHitsTotal   prometheus.Counter
	SiteCacheMissesTotal prometheus.Counter

	// Storage metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Database pool metrics
	DBConnectionsOpen  *prometheus.GaugeVec
	DBConnectionsInUse *prometheus.GaugeVec
	DBWaitCount        *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minilytics_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minilytics_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minilytics_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(64, 4, 8),
			},
			[]string{"method", "route"},
		),

		EventsRecordedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "minilytics_events_recorded_total",
				Help: "Total number of page-view events persisted",
			},
		),
		EventsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minilytics_events_rejected_total",
				Help: "Total number of page-view events rejected",
			},
			[]string{"reason"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "minilytics_rate_limited_total",
				Help: "Total number of requests refused by the rate limiter",
			},
		),

		StatsQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minilytics_stats_queries_total",
				Help: "Total number of stats reports requested",
			},
			[]string{"result"},
		),
		StatsQueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "minilytics_stats_query_duration_seconds",
				Help:    "Time to build a stats report",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		SiteCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "minilytics_site_cache_hits_total",
				Help: "Known-site cache hits",
			},
		),
		SiteCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "minilytics_site_cache_misses_total",
				Help: "Known-site cache misses",
			},
		),

		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "minilytics_store_operations_total",
				Help: "Total number of event store operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "minilytics_store_operation_duration_seconds",
				Help:    "Event store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),

		DBConnectionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "minilytics_db_connections_open",
				Help: "Open database connections per pool",
			},
			[]string{"pool"},
		),
		DBConnectionsInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "minilytics_db_connections_in_use",
				Help: "In-use database connections per pool",
			},
			[]string{"pool"},
		),
		DBWaitCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "minilytics_db_connections_wait_count",
				Help: "Total number of connections waited for per pool",
			},
			[]string{"pool"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.EventsRecordedTotal,
		m.EventsRejectedTotal,
		m.RateLimitedTotal,
		m.StatsQueriesTotal,
		m.StatsQueryDuration,
		m.SiteCacheHitsTotal,
		m.SiteCacheMissesTotal,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBWaitCount,
	)

	return m
}

// ObserveStoreOp records the outcome and latency of one store operation.
// Safe on a nil receiver so components can run without metrics.
func (m *Metrics) ObserveStoreOp(operation, backend string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.StoreOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	m.StoreOperationDuration.WithLabelValues(operation, backend).Observe(time.Since(start).Seconds())
}

// RecordDBStats publishes connection pool stats for the named pool
func (m *Metrics) RecordDBStats(pool string, stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.WithLabelValues(pool).Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.WithLabelValues(pool).Set(float64(stats.InUse))
	m.DBWaitCount.WithLabelValues(pool).Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel returns the mux path template so per-site URLs share a series
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Install it with mux.Router.Use so the matched route is known.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeLabel(r)
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, gatherer prometheus.Gatherer) {
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
