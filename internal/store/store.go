// Package store provides the route ledger: a record of every routed
// request and the cost aggregates derived from it.
//
// MemoryStore keeps a bounded window in process; SQLiteStore persists to
// a local database file. Both satisfy events.Sink so the ledger is fed by
// the event emitter, off the request path.
package store

import (
	"context"
	"time"

	"github.com/tierroute/tierroute/pkg/models"
)

// Store is the ledger interface used by handlers and the event emitter.
type Store interface {
	// Record appends one routed event.
	Record(ctx context.Context, ev models.RouteEvent) error

	// Recent returns matching events, newest first.
	Recent(ctx context.Context, filter RecentFilter) ([]models.RouteEvent, error)

	// Summary aggregates cost across every recorded event.
	Summary(ctx context.Context) (models.CostSummary, error)

	// Ping checks the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Filters ─────────────────────────────────────────────────

// Limits applied to Recent.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 1000
)

// RecentFilter narrows Recent. Empty fields match everything.
type RecentFilter struct {
	Tier   models.Tier // exact match on tier
	Status string      // exact match on status
	UserID string      // exact match on user_id
	Limit  int         // max results (default 50, capped at 1000)
}

// NormalizedLimit clamps Limit into [1, MaxRecentLimit].
func (f RecentFilter) NormalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultRecentLimit
	case f.Limit > MaxRecentLimit:
		return MaxRecentLimit
	}
	return f.Limit
}

// Matches reports whether ev passes the filter.
func (f RecentFilter) Matches(ev models.RouteEvent) bool {
	if f.Tier != "" && ev.Tier != f.Tier {
		return false
	}
	if f.Status != "" && ev.Status != f.Status {
		return false
	}
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	return true
}

// ── Retention ───────────────────────────────────────────────

// ArchiveFunc receives a batch of expired events before they are removed.
// Returning an error keeps the batch in the ledger.
type ArchiveFunc func(ctx context.Context, batch []models.RouteEvent) error

// Pruner is implemented by ledgers that support retention.
type Pruner interface {
	// Prune removes up to limit events created before cutoff, oldest first,
	// and returns how many were removed. A nil archive purges directly.
	Prune(ctx context.Context, cutoff time.Time, limit int, archive ArchiveFunc) (int, error)
}
