// Package events fans committed ledger events out to subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atmx/vault-engine/internal/model"
)

// Envelope is the wire form of one event.
type Envelope struct {
	Type string      `json:"type"`
	Op   string      `json:"op"`
	Time time.Time   `json:"time"`
	Data model.Event `json:"data"`
}

// Sink receives the events of one committed operation, in order. Sinks are
// best effort: the operation has already committed when they run.
type Sink interface {
	Publish(ctx context.Context, batch []Envelope) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, batch []Envelope) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Conn is the part of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

// NATSPublisher publishes each event as JSON on <prefix>.<event name>.
type NATSPublisher struct {
	conn   Conn
	prefix string
}

// NewNATSPublisher creates a publisher on conn. An empty prefix defaults to
// "vault".
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "vault"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("vault-engine"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

func (p *NATSPublisher) Publish(_ context.Context, batch []Envelope) error {
	for _, e := range batch {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.Type, err)
		}
		if err := p.conn.Publish(p.Subject(e.Type), data); err != nil {
			return fmt.Errorf("publish %s: %w", e.Type, err)
		}
	}
	return nil
}

// Subject returns the subject an event type is published on.
func (p *NATSPublisher) Subject(eventType string) string {
	return p.prefix + "." + eventType
}

// Wrap builds the envelopes for the events of one operation.
func Wrap(op string, at time.Time, evs []model.Event) []Envelope {
	out := make([]Envelope, 0, len(evs))
	for _, e := range evs {
		out = append(out, Envelope{Type: e.EventName(), Op: op, Time: at, Data: e})
	}
	return out
}
