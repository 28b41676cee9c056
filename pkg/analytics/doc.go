// Package analytics implements page-view ingestion and aggregation.
//
// Tracker is the write path. It validates the two required fields, derives
// the anonymous visitor hash and appends one event to the store:
//
//	err := tracker.Track(ctx, "site-1", "/pricing", referrer, r.UserAgent())
//	switch {
//	case errors.Is(err, analytics.ErrValidation):
//		// 400
//	case errors.Is(err, storage.ErrStore):
//		// 500, the client may retry
//	}
//
// Service is the read path. GetStats reports total views, unique visitors,
// a daily series and the top pages and referrers for a trailing window of
// calendar days:
//
//	report, err := service.GetStats(ctx, "site-1", 30)
//
// The window starts at local midnight windowDays days ago, so the whole
// boundary day is included. daily_views only lists days with at least one
// view. Top lists hold at most TopN entries ordered by count, then key.
//
// A site with no events at all short-circuits to an empty report. Sites
// known to have events are remembered in a SiteCache shared by Tracker and
// Service, which skips that probe on later reads.
package analytics
