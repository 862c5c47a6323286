// Package events delivers routed-request events to their sinks off the
// request path.
//
// The router publishes one models.RouteEvent per transaction into an
// Emitter. A single background worker fans each event out to the
// registered sinks (structured log, NATS, webhook, ledger). A full buffer
// drops the event and counts it; a failing sink is logged and skipped.
// Neither ever reaches the caller.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tierroute/tierroute/pkg/models"
)

// Event identity shared by every routed-request record.
const (
	ServiceName    = "router"
	EventRouted    = "routed_request"
	DefaultBuffer  = 1024
	defaultTimeout = 5 * time.Second
)

// Sink receives routed events. Emit is only ever called from the
// emitter's worker goroutine.
type Sink interface {
	Name() string
	Emit(ctx context.Context, ev models.RouteEvent) error
}

// ── Emitter ─────────────────────────────────────────────────

// Emitter buffers events and delivers them asynchronously.
type Emitter struct {
	sinks       []Sink
	sinkTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	ch     chan models.RouteEvent
	done   chan struct{}

	dropped   atomic.Int64
	delivered atomic.Int64
}

// NewEmitter starts a worker delivering to sinks. buffer <= 0 uses
// DefaultBuffer.
func NewEmitter(buffer int, sinks ...Sink) *Emitter {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	e := &Emitter{
		sinks:       sinks,
		sinkTimeout: defaultTimeout,
		ch:          make(chan models.RouteEvent, buffer),
		done:        make(chan struct{}),
	}
	go e.run()
	return e
}

// Publish enqueues ev without blocking. It returns false when the event
// was dropped because the buffer is full or the emitter is closed.
func (e *Emitter) Publish(ev models.RouteEvent) bool {
	if ev.Service == "" {
		ev.Service = ServiceName
	}
	if ev.Event == "" {
		ev.Event = EventRouted
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return false
	}
	select {
	case e.ch <- ev:
		return true
	default:
		n := e.dropped.Add(1)
		log.Warn().
			Str("request_id", ev.RequestID).
			Int64("dropped_total", n).
			Msg("Event buffer full, dropping routed event")
		return false
	}
}

// Dropped returns how many events were discarded.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

// Delivered returns how many events reached every sink attempt.
func (e *Emitter) Delivered() int64 { return e.delivered.Load() }

// Close stops accepting events and waits for the buffered ones to be
// delivered, or for ctx to expire.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.ch {
		e.deliver(ev)
	}
}

func (e *Emitter) deliver(ev models.RouteEvent) {
	for _, s := range e.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), e.sinkTimeout)
		err := s.Emit(ctx, ev)
		cancel()
		if err != nil {
			log.Warn().
				Err(err).
				Str("sink", s.Name()).
				Str("request_id", ev.RequestID).
				Msg("Event sink failed")
		}
	}
	e.delivered.Add(1)
}
