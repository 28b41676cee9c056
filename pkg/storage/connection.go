package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/platinummonkey/minilytics/pkg/observability"
)

// ConnectionManager owns the writer pool and the read pools. For SQLite the
// writer pool holds exactly one connection, which serializes every physical
// write in the process; readers run concurrently against the WAL snapshot.
// For PostgreSQL the writer is the primary and readers are replicas, falling
// back to the primary when none are configured.
type ConnectionManager struct {
	writer  *sql.DB
	readers []*sql.DB
	current uint32 // round-robin cursor over readers
	mu      sync.RWMutex
}

// NewConnectionManager wraps already opened pools. Tests pass sqlmock
// handles here.
func NewConnectionManager(writer *sql.DB, readers ...*sql.DB) *ConnectionManager {
	cm := &ConnectionManager{writer: writer}
	for _, r := range readers {
		if r != nil && r != writer {
			cm.readers = append(cm.readers, r)
		}
	}
	return cm
}

// openConnectionManager opens and pings the pools described by cfg
func openConnectionManager(ctx context.Context, cfg Config, dialect Dialect, logger *observability.Logger) (*ConnectionManager, error) {
	writerDSN, readerDSNs, err := dataSources(cfg, dialect)
	if err != nil {
		return nil, err
	}

	writer, err := sql.Open(dialect.DriverName, writerDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer connection: %w", err)
	}
	maxWriter := cfg.MaxConns
	if dialect.writerMaxConn > 0 {
		maxWriter = dialect.writerMaxConn
	}
	configurePool(writer, cfg, maxWriter)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := writer.PingContext(pingCtx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to ping writer: %w", err)
	}

	cm := &ConnectionManager{writer: writer}

	for i, dsn := range readerDSNs {
		reader, err := sql.Open(dialect.DriverName, dsn)
		if err != nil {
			logger.Warnf("failed to open reader %d: %v", i, err)
			continue
		}
		configurePool(reader, cfg, cfg.MaxConns)

		if err := reader.PingContext(pingCtx); err != nil {
			// Readers are optional, the writer can serve reads
			logger.Warnf("failed to ping reader %d: %v", i, err)
			reader.Close()
			continue
		}
		cm.readers = append(cm.readers, reader)
	}

	logger.Infof("connection manager initialized: driver=%s readers=%d", dialect.Name, len(cm.readers))
	return cm, nil
}

func dataSources(cfg Config, dialect Dialect) (string, []string, error) {
	switch dialect.Name {
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return "", nil, fmt.Errorf("sqlite path is required")
		}
		return sqliteDSN(cfg.SQLitePath, cfg.Timeout, false),
			[]string{sqliteDSN(cfg.SQLitePath, cfg.Timeout, true)}, nil
	case DriverPostgres:
		if cfg.PostgresURL == "" {
			return "", nil, fmt.Errorf("postgres url is required")
		}
		return cfg.PostgresURL, cfg.PostgresReplicaURLs, nil
	default:
		return "", nil, fmt.Errorf("unknown storage driver %q", dialect.Name)
	}
}

func configurePool(db *sql.DB, cfg Config, maxOpen int) {
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	minConns := cfg.MinConns
	if maxOpen > 0 && minConns > maxOpen {
		minConns = maxOpen
	}
	db.SetMaxIdleConns(minConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)
}

// Writer returns the pool used for every write
func (cm *ConnectionManager) Writer() *sql.DB {
	return cm.writer
}

// Reader returns a read pool using round-robin selection.
// Falls back to the writer if no readers are available.
func (cm *ConnectionManager) Reader() *sql.DB {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if len(cm.readers) == 0 {
		return cm.writer
	}

	index := atomic.AddUint32(&cm.current, 1)
	return cm.readers[int(index%uint32(len(cm.readers)))]
}

// HealthCheck pings the writer and every reader
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.writer.PingContext(ctx); err != nil {
		return fmt.Errorf("writer unhealthy: %w", err)
	}

	cm.mu.RLock()
	readers := make([]*sql.DB, len(cm.readers))
	copy(readers, cm.readers)
	cm.mu.RUnlock()

	var unhealthy []string
	for i, reader := range readers {
		if err := reader.PingContext(ctx); err != nil {
			unhealthy = append(unhealthy, fmt.Sprintf("reader-%d", i))
		}
	}

	if len(unhealthy) > 0 && len(unhealthy) == len(readers) {
		return fmt.Errorf("all readers unhealthy: %s", strings.Join(unhealthy, ", "))
	}

	return nil
}

// ConnectionStats holds statistics for all pools
type ConnectionStats struct {
	Writer  sql.DBStats
	Readers []sql.DBStats
}

// Stats returns connection pool statistics
func (cm *ConnectionManager) Stats() ConnectionStats {
	stats := ConnectionStats{
		Writer: cm.writer.Stats(),
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats.Readers = make([]sql.DBStats, len(cm.readers))
	for i, reader := range cm.readers {
		stats.Readers[i] = reader.Stats()
	}

	return stats
}

// Close closes all pools, readers first
func (cm *ConnectionManager) Close() error {
	var errs []error

	cm.mu.Lock()
	readers := cm.readers
	cm.readers = nil
	cm.mu.Unlock()

	for i, reader := range readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("reader-%d close error: %w", i, err))
		}
	}

	if err := cm.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("writer close error: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}

	return nil
}

// ParseReplicaURLs parses a comma-separated list of replica URLs
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))

	for _, u := range urls {
		trimmed := strings.TrimSpace(u)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
