package events

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/tierroute/tierroute/pkg/models"
)

// LogSink writes each event as one JSON line. It is separate from the
// operational console logger so the stream stays machine-readable.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink writes to w, or stdout when w is nil.
func NewLogSink(w io.Writer) *LogSink {
	if w == nil {
		w = os.Stdout
	}
	return &LogSink{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Name returns "log".
func (s *LogSink) Name() string { return "log" }

// Emit writes ev.
func (s *LogSink) Emit(_ context.Context, ev models.RouteEvent) error {
	e := s.logger.Log().
		Str("service", ev.Service).
		Str("event", ev.Event).
		Str("request_id", ev.RequestID).
		Str("user_id", ev.UserID).
		Str("tier", string(ev.Tier)).
		Str("model", ev.Model).
		Int("tokens_est", ev.TokensEst).
		Float64("classifier_ms", ev.ClassifierMs).
		Float64("llm_ms", ev.LLMMs).
		Float64("latency_ms", ev.LatencyMs).
		Float64("cost_est_usd", ev.CostEstUSD).
		Str("reason", string(ev.Reason)).
		Str("status", ev.Status)
	if ev.Provider != "" {
		e = e.Str("provider", ev.Provider)
	}
	e.Send()
	return nil
}
