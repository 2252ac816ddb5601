// Package messaging publishes solarwatch change events to NATS so external
// consumers (dashboards, recorders) can react without polling the HTTP API.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Subjects for published change events.
const (
	SubjectCardUpdated    = "solar.card.updated"
	SubjectDevicesUpdated = "solar.devices.updated"
)

// Event is the envelope wrapping every published payload.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
}

// Client wraps a NATS connection for event publishing.
type Client struct {
	conn   *nats.Conn
	source string

	mu         sync.Mutex
	subs       map[string]*nats.Subscription
	reconnects int
}

// NewClient connects to NATS. Name identifies this publisher instance in
// event envelopes and on the connection.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	c := &Client{
		conn:   conn,
		source: cfg.Name,
		subs:   make(map[string]*nats.Subscription),
	}

	conn.SetReconnectHandler(func(nc *nats.Conn) {
		c.mu.Lock()
		c.reconnects++
		c.mu.Unlock()
	})

	return c, nil
}

// PublishEvent wraps payload in an envelope and publishes it.
func (c *Client) PublishEvent(ctx context.Context, subject string, payload interface{}) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      subject,
		Source:    c.source,
		Timestamp: time.Now().UTC(),
		Payload:   body,
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for a subject.
func (c *Client) Subscribe(subject string, handler func(ev Event)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", subject, err)
	}

	c.subs[subject] = sub
	return nil
}

// IsConnected reports connection status.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Reconnects returns how many times the connection was re-established.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// Close unsubscribes and closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		sub.Unsubscribe()
		delete(c.subs, subject)
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
