package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/minilytics/pkg/httputil"
	"github.com/platinummonkey/minilytics/pkg/observability"
)

// RouterConfig assembles the public HTTP surface
type RouterConfig struct {
	Handlers *Handlers
	Logger   *observability.Logger

	// Metrics may be nil
	Metrics *observability.Metrics

	// RateLimit wraps POST /track when set
	RateLimit func(http.Handler) http.Handler

	CORSOrigins  []string
	MaxBodyBytes int64
}

// NewRouter returns the fully wrapped public handler
func NewRouter(cfg RouterConfig) http.Handler {
	router := mux.NewRouter()
	if cfg.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(cfg.Metrics))
	}

	var trackMiddleware []func(http.Handler) http.Handler
	if cfg.RateLimit != nil {
		trackMiddleware = append(trackMiddleware, cfg.RateLimit)
	}
	cfg.Handlers.RegisterRoutes(router, trackMiddleware...)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "Not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	handler := httputil.Chain(
		httputil.RecoveryMiddleware(cfg.Logger),
		httputil.RequestIDMiddleware,
		httputil.ContextLoggerMiddleware(cfg.Logger),
		httputil.LoggingMiddleware(cfg.Logger),
		httputil.CORSMiddleware(origins),
		httputil.MaxBytesMiddleware(cfg.MaxBodyBytes),
	)(router)

	return otelhttp.NewHandler(handler, "minilytics.http")
}
