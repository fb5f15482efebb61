package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSPublisher publishes each decoded frame as JSON on
// "<prefix>.<category>", or "<prefix>.unknown" for empty frames.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// NewNATSPublisher connects to url and publishes under prefix.
func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("asterix_decoder publisher"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{conn: conn, prefix: prefix, owned: true}, nil
}

// NewNATSPublisherConn publishes on an existing connection.
func NewNATSPublisherConn(conn *nats.Conn, prefix string) *NATSPublisher {
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// Subject returns the subject a result is published on.
func (p *NATSPublisher) Subject(r Result) string {
	if r.Message == nil {
		return p.prefix + ".unknown"
	}
	return p.prefix + "." + strconv.Itoa(r.Message.Category)
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Write(ctx context.Context, batch []Result) error {
	for _, r := range batch {
		payload, err := json.Marshal(r.Decoded())
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		if err := p.conn.Publish(p.Subject(r), payload); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Close drains the connection if the publisher opened it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.conn.Drain()
}
