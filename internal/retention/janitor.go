// Package retention enforces the ledger retention window. A background
// janitor periodically removes routed events older than the window,
// optionally archiving them first.
//
// Archive modes:
//   - purge-only:        delete expired events (no archiver registered)
//   - archive-and-purge: archive each batch, then delete it from the ledger
//
// Archive failures are fail-safe: a batch is NOT deleted if archiving it
// fails. The janitor respects context cancellation for graceful shutdown.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierroute/tierroute/internal/store"
	"github.com/tierroute/tierroute/pkg/models"
)

// DefaultBatchSize is the max events pruned (and archived) per batch.
const DefaultBatchSize = 500

// Archiver writes expired events to durable storage.
type Archiver interface {
	Kind() string
	// Archive stores batch and returns a URI locating the archive.
	Archive(ctx context.Context, batch []models.RouteEvent) (string, error)
	HealthCheck(ctx context.Context) error
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Archived int
	Purged   int
	Archives []string
	Errors   []error
}

// Janitor periodically prunes expired events from a ledger.
type Janitor struct {
	ledger    store.Pruner
	retention time.Duration
	interval  time.Duration
	batchSize int
	archiver  Archiver
	now       func() time.Time
}

// NewJanitor creates a janitor that keeps events for retention and sweeps
// on the given interval.
func NewJanitor(ledger store.Pruner, retention, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour // minimum 1 minute, default 1 hour
	}
	return &Janitor{
		ledger:    ledger,
		retention: retention,
		interval:  interval,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// SetArchiver switches the janitor to archive-and-purge mode.
func (j *Janitor) SetArchiver(a Archiver) {
	j.archiver = a
	log.Info().Str("kind", a.Kind()).Msg("Archive driver registered")
}

// Mode reports the active archive mode.
func (j *Janitor) Mode() string {
	if j.archiver != nil {
		return "archive-and-purge"
	}
	return "purge-only"
}

// Start runs the janitor loop. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Str("mode", j.Mode()).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run once immediately on startup
	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one retention sweep, pruning batch by batch until no
// expired events remain or a batch fails.
func (j *Janitor) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	cutoff := j.now().Add(-j.retention)
	var stats CycleStats

	for ctx.Err() == nil {
		n, err := j.ledger.Prune(ctx, cutoff, j.batchSize, j.archiveFunc(&stats))
		stats.Purged += n
		if err != nil {
			stats.Errors = append(stats.Errors, err)
			if j.archiver != nil {
				log.Warn().Err(err).Msg("Retention batch failed; skipping purge (fail-safe)")
			} else {
				log.Warn().Err(err).Msg("Retention cycle error")
			}
			break
		}
		if n < j.batchSize {
			break
		}
	}

	if stats.Purged > 0 || stats.Archived > 0 {
		log.Info().
			Int("purged", stats.Purged).
			Int("archived", stats.Archived).
			Time("cutoff", cutoff).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
	return stats
}

func (j *Janitor) archiveFunc(stats *CycleStats) store.ArchiveFunc {
	if j.archiver == nil {
		return nil
	}
	return func(ctx context.Context, batch []models.RouteEvent) error {
		uri, err := j.archiver.Archive(ctx, batch)
		if err != nil {
			log.Warn().Err(err).
				Str("backend", j.archiver.Kind()).
				Int("batch_size", len(batch)).
				Msg("Failed to archive routed events")
			return &archiveError{backend: j.archiver.Kind(), err: err}
		}
		stats.Archived += len(batch)
		stats.Archives = append(stats.Archives, uri)
		return nil
	}
}

// archiveError wraps a failure from an archive backend.
type archiveError struct {
	backend string
	err     error
}

func (e *archiveError) Error() string {
	return "archive driver " + e.backend + ": " + e.err.Error()
}

func (e *archiveError) Unwrap() error { return e.err }
