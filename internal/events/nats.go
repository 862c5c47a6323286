package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tierroute/tierroute/pkg/models"
)

// DefaultNATSSubject is used when no subject is configured.
const DefaultNATSSubject = "tierroute.routed"

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on a subject.
type NATSSink struct {
	conn    *nats.Conn
	pub     publisher
	subject string
}

// NewNATSSink connects to url. The connection reconnects on its own; a
// publish while disconnected is buffered by the client.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if subject == "" {
		subject = DefaultNATSSubject
	}
	nc, err := nats.Connect(url,
		nats.Name("tierroute-router"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSSink{conn: nc, pub: nc, subject: subject}, nil
}

// Name returns "nats".
func (s *NATSSink) Name() string { return "nats" }

// Subject returns the subject events are published on.
func (s *NATSSink) Subject() string { return s.subject }

// Emit publishes ev.
func (s *NATSSink) Emit(_ context.Context, ev models.RouteEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Close flushes pending publishes and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
