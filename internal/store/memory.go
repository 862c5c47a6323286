package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierroute/tierroute/pkg/models"
)

// DefaultMemoryCapacity bounds how many events MemoryStore retains.
const DefaultMemoryCapacity = 1000

// MemoryStore keeps the most recent events in a ring and running cost
// aggregates over everything ever recorded.
type MemoryStore struct {
	mu      sync.RWMutex
	ring    []models.RouteEvent
	next    int // slot the next event is written to
	size    int // number of filled slots
	summary models.CostSummary
}

// NewMemoryStore returns a store retaining up to capacity events.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	log.Info().Int("capacity", capacity).Msg("Memory ledger configured")
	return &MemoryStore{
		ring:    make([]models.RouteEvent, capacity),
		summary: models.NewCostSummary(),
	}
}

// Record implements Store.
func (m *MemoryStore) Record(_ context.Context, ev models.RouteEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = ev
	m.next = (m.next + 1) % len(m.ring)
	if m.size < len(m.ring) {
		m.size++
	}
	m.summary.Add(ev)
	return nil
}

// Recent implements Store.
func (m *MemoryStore) Recent(_ context.Context, filter RecentFilter) ([]models.RouteEvent, error) {
	limit := filter.NormalizedLimit()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.RouteEvent, 0, min(limit, m.size))
	for i := 1; i <= m.size && len(out) < limit; i++ {
		idx := (m.next - i + len(m.ring)) % len(m.ring)
		if ev := m.ring[idx]; filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Summary implements Store. The returned maps are copies.
func (m *MemoryStore) Summary(_ context.Context) (models.CostSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.summary
	s.ByModel = copyMap(m.summary.ByModel)
	s.ByTier = copyMap(m.summary.ByTier)
	s.ByUser = copyMap(m.summary.ByUser)
	return s, nil
}

// Prune implements Pruner. Only the expired run at the old end of the ring
// is removed; running aggregates are not rewound.
func (m *MemoryStore) Prune(ctx context.Context, cutoff time.Time, limit int, archive ArchiveFunc) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldest := (m.next - m.size + len(m.ring)) % len(m.ring)
	var batch []models.RouteEvent
	for i := 0; i < m.size && (limit <= 0 || len(batch) < limit); i++ {
		ev := m.ring[(oldest+i)%len(m.ring)]
		if !ev.CreatedAt.Before(cutoff) {
			break
		}
		batch = append(batch, ev)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if archive != nil {
		if err := archive(ctx, batch); err != nil {
			return 0, err
		}
	}
	for i := range batch {
		m.ring[(oldest+i)%len(m.ring)] = models.RouteEvent{}
	}
	m.size -= len(batch)
	return len(batch), nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }

// Name identifies the store as an event sink.
func (m *MemoryStore) Name() string { return "ledger-memory" }

// Emit records ev; it lets the store act as an event sink.
func (m *MemoryStore) Emit(ctx context.Context, ev models.RouteEvent) error {
	return m.Record(ctx, ev)
}

func copyMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
