// Package storage is the durable, append-only page-view event store.
//
// Two SQL backends share one implementation, SQLStore, and differ only in
// their Dialect:
//
//   - SQLite (default): a single database file in WAL mode. The writer pool
//     holds one connection so every append in the process is serialized;
//     a separate query-only pool serves reads concurrently.
//   - PostgreSQL: the primary takes writes, optional replicas take reads.
//
// The schema is two relations. analytics holds events and is indexed by
// site_key, timestamp and (site_key, view_date). site_configs is the site
// registry, filled in the same transaction as a site's first event.
// view_date is the server-local calendar day of the event, computed when the
// event is written, so day-window filters and daily buckets are plain
// string comparisons in both dialects.
//
// Queries handed out through Reader use $N placeholders; SQLite receives
// them rewritten as ?N.
//
// Every error leaving this package is a *StoreError matching ErrStore.
//
//	store, err := storage.Open(ctx, storage.DefaultConfig(), storage.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	err = store.Append(ctx, storage.PageViewEvent{SiteKey: "s1", PagePath: "/", VisitorHash: "d41d8cd9"})
package storage
