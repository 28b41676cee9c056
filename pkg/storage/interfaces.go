package storage

import (
	"context"
	"database/sql"
	"time"
)

// PageViewEvent is one immutable page view. Referrer is nil when the
// navigation carried no referrer.
type PageViewEvent struct {
	SiteKey     string
	PagePath    string
	Referrer    *string
	VisitorHash string
	Timestamp   time.Time
}

// Querier is the read surface handed to the aggregation layer. Queries are
// written with $N placeholders regardless of backend.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// EventStore is the durable append-only event log
type EventStore interface {
	// Append writes one event atomically, registering its site on first use
	Append(ctx context.Context, event PageViewEvent) error
	// HasEvents reports whether any event exists for siteKey, ignoring time
	HasEvents(ctx context.Context, siteKey string) (bool, error)
	// Reader returns the read pool
	Reader() Querier
	// Checkpoint performs backend maintenance; it never removes events
	Checkpoint(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Driver names accepted in Config.Driver
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config for the event store
type Config struct {
	Driver string

	// SQLite config
	SQLitePath string

	// PostgreSQL config
	PostgresURL         string
	PostgresReplicaURLs []string

	// ReadFromPrimary keeps stats reads on the primary even when replicas
	// are configured, so a finished ingest is visible to the next read.
	// Turning it off spreads reads over replicas at the cost of
	// replication lag.
	ReadFromPrimary bool

	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		SQLitePath:      "analytics.db",
		ReadFromPrimary: true,
		MaxConns:        10,
		MinConns:        2,
		Timeout:         10 * time.Second,
		MaxLifetime:     time.Hour,
		MaxIdleTime:     10 * time.Minute,
	}
}
