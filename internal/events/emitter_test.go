package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierroute/tierroute/pkg/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []models.RouteEvent
	err    error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Emit(_ context.Context, ev models.RouteEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) got() []models.RouteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.RouteEvent(nil), s.events...)
}

// gateSink blocks inside Emit until released.
type gateSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gateSink) Name() string { return "gate" }

func (s *gateSink) Emit(ctx context.Context, _ models.RouteEvent) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func closeEmitter(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func TestEmitter_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(16, sink)

	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, e.Publish(models.RouteEvent{RequestID: id, Status: models.StatusOK}))
	}
	closeEmitter(t, e)

	got := sink.got()
	require.Len(t, got, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, got[i].RequestID)
		assert.Equal(t, ServiceName, got[i].Service)
		assert.Equal(t, EventRouted, got[i].Event)
		assert.False(t, got[i].CreatedAt.IsZero())
	}
	assert.Equal(t, int64(3), e.Delivered())
	assert.Zero(t, e.Dropped())
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	gate := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	sink := &recordingSink{}
	e := NewEmitter(1, gate, sink)

	require.True(t, e.Publish(models.RouteEvent{RequestID: "1"}))
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first event")
	}

	assert.True(t, e.Publish(models.RouteEvent{RequestID: "2"}))
	assert.False(t, e.Publish(models.RouteEvent{RequestID: "3"}))
	assert.Equal(t, int64(1), e.Dropped())

	close(gate.release)
	closeEmitter(t, e)

	got := sink.got()
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].RequestID)
	assert.Equal(t, "2", got[1].RequestID)
}

func TestEmitter_PublishAfterClose(t *testing.T) {
	e := NewEmitter(4)
	closeEmitter(t, e)
	closeEmitter(t, e)

	assert.False(t, e.Publish(models.RouteEvent{RequestID: "late"}))
	assert.Equal(t, int64(1), e.Dropped())
}

func TestEmitter_FailingSinkDoesNotStopOthers(t *testing.T) {
	bad := &recordingSink{err: errors.New("disk full")}
	good := &recordingSink{}
	e := NewEmitter(4, bad, good)

	e.Publish(models.RouteEvent{RequestID: "x"})
	closeEmitter(t, e)

	assert.Len(t, bad.got(), 1)
	assert.Len(t, good.got(), 1)
}

func TestEmitter_CloseHonoursContext(t *testing.T) {
	gate := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	e := NewEmitter(2, gate)
	e.Publish(models.RouteEvent{RequestID: "stuck"})
	<-gate.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.Close(ctx), context.DeadlineExceeded)

	close(gate.release)
}

func TestLogSink_WritesEventFields(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(&buf)

	err := s.Emit(context.Background(), models.RouteEvent{
		Service:      ServiceName,
		Event:        EventRouted,
		RequestID:    "req-1",
		UserID:       "u1",
		Tier:         models.TierMedium,
		Model:        "gemini-2.5-flash",
		TokensEst:    42,
		ClassifierMs: 1.5,
		LLMMs:        20.25,
		LatencyMs:    22,
		CostEstUSD:   0.00012,
		Reason:       models.ReasonSignalsMedium,
		Status:       models.StatusOK,
	})
	require.NoError(t, err)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "router", line["service"])
	assert.Equal(t, "routed_request", line["event"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "u1", line["user_id"])
	assert.Equal(t, "medium", line["tier"])
	assert.Equal(t, "gemini-2.5-flash", line["model"])
	assert.Equal(t, 42.0, line["tokens_est"])
	assert.Equal(t, 1.5, line["classifier_ms"])
	assert.Equal(t, 20.25, line["llm_ms"])
	assert.Equal(t, 22.0, line["latency_ms"])
	assert.Equal(t, 0.00012, line["cost_est_usd"])
	assert.Equal(t, "tokens_or_signals_medium", line["reason"])
	assert.Equal(t, "ok", line["status"])
	assert.NotContains(t, line, "provider")
}
