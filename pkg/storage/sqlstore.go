package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/minilytics/pkg/observability"
)

const (
	insertSiteSQL  = `INSERT INTO site_configs (site_key) VALUES ($1) ON CONFLICT (site_key) DO NOTHING`
	insertEventSQL = `INSERT INTO analytics (site_key, page_path, referrer, visitor_hash, timestamp, view_date) VALUES ($1, $2, $3, $4, $5, $6)`
	hasEventsSQL   = `SELECT 1 FROM analytics WHERE site_key = $1 LIMIT 1`
)

// SQLStore is the EventStore for SQLite and PostgreSQL
type SQLStore struct {
	conns   *ConnectionManager
	dialect Dialect
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	primaryReads bool
}

// Option configures an SQLStore
type Option func(*SQLStore)

// WithLogger sets the store logger
func WithLogger(logger *observability.Logger) Option {
	return func(s *SQLStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables store operation metrics
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *SQLStore) {
		s.metrics = metrics
	}
}

// WithPrimaryReads sends Reader and HasEvents to the writer pool instead of
// the read replicas
func WithPrimaryReads(enabled bool) Option {
	return func(s *SQLStore) {
		s.primaryReads = enabled
	}
}

// WithClock overrides the clock used for events without a timestamp
func WithClock(now func() time.Time) Option {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// Open connects to the backend named by cfg.Driver and migrates the schema
func Open(ctx context.Context, cfg Config, opts ...Option) (*SQLStore, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	// SQLite readers share the writer's WAL and never lag.
	primaryReads := cfg.Driver == DriverPostgres && cfg.ReadFromPrimary
	s := newSQLStore(nil, dialect, append([]Option{WithPrimaryReads(primaryReads)}, opts...)...)

	conns, err := openConnectionManager(ctx, cfg, dialect, s.logger)
	if err != nil {
		return nil, NewStoreError("open", err)
	}
	s.conns = conns

	if err := s.Migrate(ctx); err != nil {
		conns.Close()
		return nil, err
	}

	return s, nil
}

// NewSQLStore builds a store over existing pools without migrating
func NewSQLStore(conns *ConnectionManager, dialect Dialect, opts ...Option) *SQLStore {
	return newSQLStore(conns, dialect, opts...)
}

func newSQLStore(conns *ConnectionManager, dialect Dialect, opts ...Option) *SQLStore {
	s := &SQLStore{
		conns:   conns,
		dialect: dialect,
		logger:  observability.NewLogger(observability.InfoLevel, nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialect returns the active dialect
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Migrate creates tables, upgrades legacy layouts and creates indexes.
// It is idempotent.
func (s *SQLStore) Migrate(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStoreOp("migrate", s.dialect.Name, start, err) }()

	tx, err := s.conns.Writer().BeginTx(ctx, nil)
	if err != nil {
		return NewStoreError("migrate", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range s.dialect.Tables {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return NewStoreError("migrate", fmt.Errorf("create table: %w", err))
		}
	}

	if s.dialect.Upgrade != nil {
		if err = s.dialect.Upgrade(ctx, tx); err != nil {
			return NewStoreError("migrate", err)
		}
	}

	for _, stmt := range s.dialect.Indexes {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return NewStoreError("migrate", fmt.Errorf("create index: %w", err))
		}
	}

	if err = tx.Commit(); err != nil {
		return NewStoreError("migrate", err)
	}

	s.logger.WithField("driver", s.dialect.Name).Info("schema migrated")
	return nil
}

// Append registers the site if needed and inserts the event, in one
// transaction on the writer pool. Either both rows land or neither does.
func (s *SQLStore) Append(ctx context.Context, event PageViewEvent) (err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStoreOp("append", s.dialect.Name, start, err) }()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}

	var referrer interface{}
	if event.Referrer != nil {
		referrer = *event.Referrer
	}

	tx, err := s.conns.Writer().BeginTx(ctx, nil)
	if err != nil {
		return NewStoreError("append", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, s.dialect.Rebind(insertSiteSQL), event.SiteKey); err != nil {
		return NewStoreError("append.register_site", err)
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(insertEventSQL),
		event.SiteKey,
		event.PagePath,
		referrer,
		event.VisitorHash,
		s.dialect.TimestampArg(ts),
		ts.In(time.Local).Format(ViewDateLayout),
	)
	if err != nil {
		return NewStoreError("append.insert_event", err)
	}

	if err = tx.Commit(); err != nil {
		return NewStoreError("append.commit", err)
	}
	return nil
}

// HasEvents reports whether the site has at least one stored event.
// It checks analytics rather than site_configs because databases created
// by older deployments never populated the registry.
func (s *SQLStore) HasEvents(ctx context.Context, siteKey string) (found bool, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveStoreOp("has_events", s.dialect.Name, start, err) }()

	var one int
	err = s.Reader().QueryRowContext(ctx, hasEventsSQL, siteKey).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, NewStoreError("has_events", err)
	}
	return true, nil
}

// Reader returns a read pool that accepts $N placeholders
func (s *SQLStore) Reader() Querier {
	db := s.conns.Reader()
	if s.primaryReads {
		db = s.conns.Writer()
	}
	return &rebindingQuerier{db: db, dialect: s.dialect}
}

// Checkpoint truncates the SQLite write-ahead log. No-op for PostgreSQL.
func (s *SQLStore) Checkpoint(ctx context.Context) (err error) {
	if s.dialect.Checkpoint == "" {
		return nil
	}

	start := time.Now()
	defer func() { s.metrics.ObserveStoreOp("checkpoint", s.dialect.Name, start, err) }()

	if _, err = s.conns.Writer().ExecContext(ctx, s.dialect.Checkpoint); err != nil {
		return NewStoreError("checkpoint", err)
	}
	return nil
}

// RecordPoolStats publishes pool gauges; run periodically
func (s *SQLStore) RecordPoolStats() {
	stats := s.conns.Stats()
	s.metrics.RecordDBStats("writer", stats.Writer)
	for i, r := range stats.Readers {
		s.metrics.RecordDBStats(fmt.Sprintf("reader-%d", i), r)
	}
}

// HealthCheck pings all pools
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.conns.HealthCheck(ctx); err != nil {
		return NewStoreError("health", err)
	}
	return nil
}

// Close closes all pools
func (s *SQLStore) Close() error {
	if err := s.conns.Close(); err != nil {
		return NewStoreError("close", err)
	}
	return nil
}

type rebindingQuerier struct {
	db      *sql.DB
	dialect Dialect
}

func (q *rebindingQuerier) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.dialect.Rebind(query), args...)
}

func (q *rebindingQuerier) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return q.db.QueryRowContext(ctx, q.dialect.Rebind(query), args...)
}

var _ EventStore = (*SQLStore)(nil)
