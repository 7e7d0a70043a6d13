// Package events publishes lifecycle events to NATS so other services can
// follow orders and payments without polling the store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/soyeahso/shipbot/internal/hooks"
	"github.com/soyeahso/shipbot/internal/logging"
)

// Conn is the part of a NATS connection the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
}

// Envelope is the JSON body of every published event.
type Envelope struct {
	ID    string         `json:"id"`
	Event string         `json:"event"`
	Time  time.Time      `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

// Publisher forwards hook events to subjects named <prefix>.<event>.
type Publisher struct {
	conn   Conn
	prefix string
	log    *logging.Logger
	now    func() time.Time
}

// NewPublisher wraps an established connection.
func NewPublisher(conn Conn, prefix string, log *logging.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		prefix: strings.Trim(prefix, "."),
		log:    log.Sub("events"),
		now:    time.Now,
	}
}

// Connect dials the NATS server at url. The connection reconnects on its
// own; disconnects are only logged.
func Connect(url string, log *logging.Logger) (*nats.Conn, error) {
	l := log.Sub("events")
	nc, err := nats.Connect(url,
		nats.Name("shipbot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			l.Warn().Err(err).Msg("nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	l.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return nc, nil
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(event string) string {
	if p.prefix == "" {
		return event
	}
	return p.prefix + "." + event
}

// Publish sends one event. A disconnected client buffers the message
// until it reconnects, so only encoding and hard failures are errors.
func (p *Publisher) Publish(_ context.Context, event string, data map[string]any) error {
	body, err := json.Marshal(Envelope{
		ID:    uuid.NewString(),
		Event: event,
		Time:  p.now().UTC(),
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	if !p.conn.IsConnected() {
		p.log.Debug().Str("event", event).Msg("nats offline, message buffered")
	}
	if err := p.conn.Publish(p.Subject(event), body); err != nil {
		return fmt.Errorf("publishing %s: %w", event, err)
	}
	return nil
}

// Attach registers the publisher for the given hook events.
func (p *Publisher) Attach(m *hooks.Manager, events []string) {
	m.OnEach(events, "nats", func(ctx context.Context, pl hooks.Payload) error {
		return p.Publish(ctx, pl.Event, pl.Data)
	})
}
