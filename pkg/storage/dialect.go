package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"regexp"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// ViewDateLayout is the calendar-day format stored in analytics.view_date
const ViewDateLayout = "2006-01-02"

// sqliteTimestampLayout matches SQLite's CURRENT_TIMESTAMP so rows written
// by older deployments and by this store compare consistently.
const sqliteTimestampLayout = "2006-01-02 15:04:05"

// Dialect captures what differs between SQL backends
type Dialect struct {
	Name       string
	DriverName string

	// Tables run first, then Upgrade (if set), then Indexes
	Tables  []string
	Indexes []string
	Upgrade func(ctx context.Context, tx *sql.Tx) error

	// Checkpoint is run by Store.Checkpoint; empty means no-op
	Checkpoint string

	rebind        func(query string) string
	timestampArg  func(t time.Time) interface{}
	writerMaxConn int
}

// Rebind converts $N placeholders into the dialect's form
func (d Dialect) Rebind(query string) string {
	if d.rebind == nil {
		return query
	}
	return d.rebind(query)
}

// TimestampArg converts an event instant into a driver argument
func (d Dialect) TimestampArg(t time.Time) interface{} {
	if d.timestampArg == nil {
		return t.UTC()
	}
	return d.timestampArg(t)
}

var dollarPlaceholder = regexp.MustCompile(`\$(\d+)`)

// SQLiteDialect stores events in a single WAL-mode database file
func SQLiteDialect() Dialect {
	return Dialect{
		Name:       DriverSQLite,
		DriverName: "sqlite3",
		Tables: []string{
			`CREATE TABLE IF NOT EXISTS site_configs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				site_key TEXT UNIQUE NOT NULL,
				created_at DATETIME DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS analytics (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				site_key TEXT NOT NULL,
				page_path TEXT NOT NULL,
				referrer TEXT,
				visitor_hash TEXT NOT NULL,
				timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
				view_date TEXT
			)`,
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_analytics_site_key ON analytics (site_key)`,
			`CREATE INDEX IF NOT EXISTS idx_analytics_timestamp ON analytics (timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_analytics_site_date ON analytics (site_key, view_date)`,
		},
		Upgrade:    upgradeSQLiteViewDate,
		Checkpoint: `PRAGMA wal_checkpoint(TRUNCATE)`,
		rebind: func(query string) string {
			// ?NNN binds by explicit index, so argument order never depends
			// on where a placeholder first appears.
			return dollarPlaceholder.ReplaceAllString(query, "?$1")
		},
		timestampArg: func(t time.Time) interface{} {
			return t.UTC().Format(sqliteTimestampLayout)
		},
		writerMaxConn: 1,
	}
}

// PostgresDialect targets a PostgreSQL primary with optional read replicas
func PostgresDialect() Dialect {
	return Dialect{
		Name:       DriverPostgres,
		DriverName: "postgres",
		Tables: []string{
			`CREATE TABLE IF NOT EXISTS site_configs (
				id BIGSERIAL PRIMARY KEY,
				site_key TEXT UNIQUE NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS analytics (
				id BIGSERIAL PRIMARY KEY,
				site_key TEXT NOT NULL,
				page_path TEXT NOT NULL,
				referrer TEXT,
				visitor_hash TEXT NOT NULL,
				timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				view_date TEXT NOT NULL
			)`,
		},
		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_analytics_site_key ON analytics (site_key)`,
			`CREATE INDEX IF NOT EXISTS idx_analytics_timestamp ON analytics (timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_analytics_site_date ON analytics (site_key, view_date)`,
		},
	}
}

// DialectFor resolves a Config.Driver value
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite, "":
		return SQLiteDialect(), nil
	case DriverPostgres:
		return PostgresDialect(), nil
	default:
		return Dialect{}, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// sqliteDSN builds a connection string for path. Writers take the RESERVED
// lock at BEGIN so concurrent transactions queue on busy_timeout instead of
// failing on lock upgrade; readers are opened query-only.
func sqliteDSN(path string, busyTimeout time.Duration, readOnly bool) string {
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	params.Set("_synchronous", "NORMAL")
	if readOnly {
		params.Set("_query_only", "true")
	} else {
		params.Set("_journal_mode", "WAL")
		params.Set("_txlock", "immediate")
	}
	return "file:" + path + "?" + params.Encode()
}

// upgradeSQLiteViewDate adds and backfills view_date on databases created
// before the column existed. Old rows hold UTC CURRENT_TIMESTAMP text.
func upgradeSQLiteViewDate(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `PRAGMA table_info(analytics)`)
	if err != nil {
		return fmt.Errorf("failed to inspect analytics table: %w", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("failed to scan table_info: %w", err)
		}
		if name == "view_date" {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read table_info: %w", err)
	}
	if found {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `ALTER TABLE analytics ADD COLUMN view_date TEXT`); err != nil {
		return fmt.Errorf("failed to add view_date column: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE analytics SET view_date = date(timestamp, 'localtime') WHERE view_date IS NULL`); err != nil {
		return fmt.Errorf("failed to backfill view_date: %w", err)
	}
	return nil
}
