// Package messaging wraps the NATS connection used to fan out ledger and
// settlement events to downstream consumers (dashboards, alerting, the
// audit stream).
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Client wraps a NATS connection. A nil *Client is safe to publish on:
// every method degrades to a no-op, which keeps the engines testable and
// lets minimal deployments run without a bus.
type Client struct {
	conn *nats.Conn
	log  *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NewClient connects to NATS. Reconnect handling is delegated to the
// client library; state changes are logged so operators can see bus
// degradation without failing financial operations over it.
func NewClient(cfg Config, log *zap.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &Client{
		conn: conn,
		log:  log,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish marshals data as JSON and publishes it on subject.
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if c == nil || c.conn == nil {
		return nil
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

// Subscribe registers a handler for subject. One subscription per subject.
func (c *Client) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[subject]; exists {
		return fmt.Errorf("already subscribed to %s", subject)
	}

	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.subs[subject] = sub
	return nil
}

// QueueSubscribe registers a queue-group handler so only one instance of
// a horizontally scaled consumer receives each event.
func (c *Client) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := subject + ":" + queue
	if _, exists := c.subs[key]; exists {
		return fmt.Errorf("already subscribed to %s with queue %s", subject, queue)
	}

	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("failed to queue subscribe: %w", err)
	}
	c.subs[key] = sub
	return nil
}

// IsConnected reports the live connection state.
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// Close unsubscribes everything and closes the connection.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}

	c.mu.Lock()
	for key, sub := range c.subs {
		_ = sub.Unsubscribe()
		delete(c.subs, key)
	}
	c.mu.Unlock()

	c.conn.Close()
}

// Drain flushes in-flight messages before shutdown.
func (c *Client) Drain() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Drain()
}
