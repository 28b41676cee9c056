package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"text/template"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/minilytics/pkg/analytics"
	"github.com/platinummonkey/minilytics/pkg/httputil"
	"github.com/platinummonkey/minilytics/pkg/observability"
)

// Stats query bounds for ?days=
const (
	MinWindowDays = 0
	MaxWindowDays = 3650
)

// EventTracker records page views
type EventTracker interface {
	Track(ctx context.Context, siteKey, pagePath string, referrer *string, userAgent string) error
}

// StatsProvider builds site reports
type StatsProvider interface {
	GetStats(ctx context.Context, siteKey string, windowDays int) (*analytics.StatsReport, error)
}

// Handlers serves the public ingestion and stats endpoints
type Handlers struct {
	tracker    EventTracker
	stats      StatsProvider
	publicHost string
}

// NewHandlers creates the handlers. publicHost is embedded in the tracking
// snippet; empty means the request's Host header.
func NewHandlers(tracker EventTracker, stats StatsProvider, publicHost string) *Handlers {
	return &Handlers{
		tracker:    tracker,
		stats:      stats,
		publicHost: publicHost,
	}
}

// RegisterRoutes registers the routes. trackMiddleware wraps only POST /track.
func (h *Handlers) RegisterRoutes(r *mux.Router, trackMiddleware ...func(http.Handler) http.Handler) {
	track := http.Handler(http.HandlerFunc(h.track))
	for i := len(trackMiddleware) - 1; i >= 0; i-- {
		track = trackMiddleware[i](track)
	}

	r.Handle("/track", track).Methods(http.MethodPost)
	r.HandleFunc("/stats/{site_key}", h.getStats).Methods(http.MethodGet)
	r.HandleFunc("/script.js", h.script).Methods(http.MethodGet)
}

// trackRequest is the POST /track body
type trackRequest struct {
	SiteKey  string  `json:"site_key"`
	PagePath string  `json:"page_path"`
	Referrer *string `json:"referrer"`
}

// track handles POST /track
func (h *Handlers) track(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		// A required field that is not a string counts as missing.
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && (typeErr.Field == "site_key" || typeErr.Field == "page_path") {
			httputil.WriteBadRequest(w, "Missing required fields")
			return
		}
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	err := h.tracker.Track(r.Context(), req.SiteKey, req.PagePath,
		analytics.NormalizeReferrer(req.Referrer), analytics.GetUserAgent(r))
	switch {
	case err == nil:
		_ = httputil.WriteSuccess(w, map[string]bool{"success": true})
	case errors.Is(err, analytics.ErrValidation):
		httputil.WriteBadRequest(w, "Missing required fields")
	default:
		httputil.WriteInternalErrorMessage(w, "Failed to track data")
	}
}

// getStats handles GET /stats/{site_key}
// Query params:
//   - days: trailing window in calendar days (0-3650) - default: 30
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	siteKey, err := httputil.ParsePathString(r, "site_key")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	days, err := httputil.ParseQueryIntInRange(r, "days", analytics.DefaultWindowDays, MinWindowDays, MaxWindowDays)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	report, err := h.stats.GetStats(r.Context(), siteKey, days)
	if err != nil {
		if errors.Is(err, analytics.ErrValidation) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		observability.FromContext(r.Context()).WithError(err).WithField("site_key", siteKey).Error("stats query failed")
		httputil.WriteInternalErrorMessage(w, "Database error")
		return
	}

	_ = httputil.WriteSuccess(w, report)
}

var snippetTemplate = template.Must(template.New("script.js").Parse(`
(function() {
  var script = document.currentScript;
  var siteKey = script.getAttribute('data-site-key');
  if (!siteKey) return;

  var pagePath = window.location.pathname + window.location.search;
  var referrer = document.referrer;
  var protocol = window.location.protocol === 'https:' ? 'https:' : 'http:';
  var host = '{{js .Host}}';

  fetch(protocol + '//' + host + '/track', {
    method: 'POST',
    headers: { 'Content-Type': 'application/json' },
    body: JSON.stringify({
      site_key: siteKey,
      page_path: pagePath,
      referrer: referrer
    })
  }).catch(function() {});
})();
`))

// script handles GET /script.js
func (h *Handlers) script(w http.ResponseWriter, r *http.Request) {
	host := h.publicHost
	if host == "" {
		host = r.Host
	}

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if err := snippetTemplate.Execute(w, struct{ Host string }{Host: host}); err != nil {
		observability.FromContext(r.Context()).WithError(err).Warn("failed to write tracking snippet")
	}
}
