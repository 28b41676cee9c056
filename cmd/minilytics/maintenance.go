package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/minilytics/pkg/observability"
)

// maintenanceTimeout bounds a single maintenance run
const maintenanceTimeout = time.Minute

// checkpointer is the slice of the store the scheduler drives
type checkpointer interface {
	Checkpoint(ctx context.Context) error
	RecordPoolStats()
}

// bucketPruner drops idle rate-limit state
type bucketPruner interface {
	Cleanup() int
}

// newMaintenance schedules the WAL checkpoint, rate-limiter pruning and pool
// metrics on schedule. An empty schedule yields a scheduler with no jobs.
// limiter may be nil.
func newMaintenance(schedule string, store checkpointer, limiter bucketPruner, logger *observability.Logger) (*cron.Cron, error) {
	c := cron.New()
	if schedule == "" {
		logger.Info("Store maintenance disabled")
		return c, nil
	}

	job := func() {
		defer observability.RecoverPanic(logger, "store maintenance")
		runMaintenance(store, limiter, logger)
	}
	if _, err := c.AddFunc(schedule, job); err != nil {
		return nil, fmt.Errorf("failed to schedule store maintenance: %w", err)
	}

	logger.WithField("schedule", schedule).Info("Store maintenance scheduled")
	return c, nil
}

func runMaintenance(store checkpointer, limiter bucketPruner, logger *observability.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), maintenanceTimeout)
	defer cancel()

	start := time.Now()
	if err := store.Checkpoint(ctx); err != nil {
		logger.WithError(err).Error("WAL checkpoint failed")
	}
	store.RecordPoolStats()

	pruned := 0
	if limiter != nil {
		pruned = limiter.Cleanup()
	}

	logger.WithFields(map[string]interface{}{
		"duration_ms":    time.Since(start).Milliseconds(),
		"buckets_pruned": pruned,
	}).Debug("Store maintenance finished")
}
