package analytics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/minilytics/pkg/observability"
	"github.com/platinummonkey/minilytics/pkg/storage"
	"github.com/platinummonkey/minilytics/pkg/visitor"
)

// Tracker is the ingestion path: validate, derive the visitor hash, append
type Tracker struct {
	store   storage.EventStore
	cache   *SiteCache
	metrics *observability.Metrics
	now     func() time.Time
}

// TrackerOption configures a Tracker
type TrackerOption func(*Tracker)

// WithTrackerCache shares the known-site cache with the stats Service
func WithTrackerCache(cache *SiteCache) TrackerOption {
	return func(t *Tracker) { t.cache = cache }
}

// WithTrackerMetrics enables ingestion metrics
func WithTrackerMetrics(metrics *observability.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = metrics }
}

// WithTrackerClock overrides the receipt clock
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker creates a new tracker
func NewTracker(store storage.EventStore, opts ...TrackerOption) *Tracker {
	t := &Tracker{store: store, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Track records one page view. It fails with a *ValidationError when siteKey
// or pagePath is empty, and with a *storage.StoreError when the write fails.
// Store failures are not retried.
func (t *Tracker) Track(ctx context.Context, siteKey, pagePath string, referrer *string, userAgent string) (err error) {
	ctx, span := observability.Tracer().Start(ctx, "analytics.Track")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("site_key", siteKey))

	if siteKey == "" {
		t.reject("validation")
		return &ValidationError{Field: "site_key"}
	}
	if pagePath == "" {
		t.reject("validation")
		return &ValidationError{Field: "page_path"}
	}

	event := storage.PageViewEvent{
		SiteKey:     siteKey,
		PagePath:    pagePath,
		Referrer:    referrer,
		VisitorHash: visitor.Derive(userAgent, referrer).String(),
		Timestamp:   t.now(),
	}

	if err := t.store.Append(ctx, event); err != nil {
		t.reject("store")
		observability.FromContext(ctx).
			WithError(err).
			WithField("site_key", siteKey).
			Error("failed to record page view")
		if errors.Is(err, storage.ErrStore) {
			return err
		}
		return storage.NewStoreError("append", err)
	}

	t.cache.Remember(siteKey)
	if t.metrics != nil {
		t.metrics.EventsRecordedTotal.Inc()
	}
	return nil
}

func (t *Tracker) reject(reason string) {
	if t.metrics != nil {
		t.metrics.EventsRejectedTotal.WithLabelValues(reason).Inc()
	}
}
