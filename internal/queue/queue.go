// Package queue implements the durable job queue client (§4.5, §6) over
// AMQP: durable/persistent publish, prefetch=1 consume with manual
// ack/nack, dead-letter routing, and a supervised reconnect with capped
// exponential backoff that re-declares topology on every reconnect.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/lexai-io/contract-intel/internal/backoff"
	"github.com/lexai-io/contract-intel/internal/metrics"
)

const (
	DLXExchange      = "lexai.dlx"
	DLQName          = "lexai.analysis.dlq"
	DLQRoutingKey    = "analysis.failed"
	AnalysisQueue    = "analysis"
	AlertQueue       = "alert"
	AnalysisRouteKey = "analysis"
	AlertRouteKey    = "alert"
)

// Client owns a supervised AMQP connection and re-declares topology on
// every (re)connect.
type Client struct {
	uri string
	log zerolog.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed chan struct{}
	once   sync.Once

	metrics *metrics.Collector
}

// New constructs a Client. Call Start to dial and begin supervising the
// connection.
func New(uri string, log zerolog.Logger) *Client {
	return &Client{uri: uri, log: log.With().Str("component", "queue").Logger(), closed: make(chan struct{})}
}

// SetMetrics attaches a metrics collector. Safe to call once after
// construction; nil is a valid no-op collector.
func (c *Client) SetMetrics(m *metrics.Collector) {
	c.metrics = m
}

// Start dials the broker, declares topology, and launches the supervisor
// goroutine that reconnects on connection loss with capped exponential
// backoff (1s, 2s, 4s, ..., 30s), re-declaring topology on every
// reconnect (§4.5).
func (c *Client) Start(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	go c.supervise(ctx)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, err := amqp.Dial(c.uri)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()
	c.log.Info().Msg("queue: connected and topology declared")
	return nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(DLQName, true, false, false, false, nil); err != nil {
		return err
	}
	if err := ch.QueueBind(DLQName, DLQRoutingKey, DLXExchange, false, nil); err != nil {
		return err
	}

	dlxArgs := amqp.Table{
		"x-dead-letter-exchange":    DLXExchange,
		"x-dead-letter-routing-key": DLQRoutingKey,
	}
	if _, err := ch.QueueDeclare(AnalysisQueue, true, false, false, false, dlxArgs); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(AlertQueue, true, false, false, false, dlxArgs); err != nil {
		return err
	}
	return nil
}

// supervise watches the channel's close notifications and reconnects with
// capped exponential backoff until ctx is cancelled or Close is called.
func (c *Client) supervise(ctx context.Context) {
	for {
		c.mu.RLock()
		ch := c.channel
		c.mu.RUnlock()
		if ch == nil {
			return
		}
		notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case err := <-notifyClose:
			if err != nil {
				c.log.Warn().Err(err).Msg("queue: connection closed, reconnecting")
			}
		}

		for attempt := 0; ; attempt++ {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			default:
			}
			if err := backoff.Sleep(ctx, backoff.Capped(attempt)); err != nil {
				return
			}
			if err := c.connect(ctx); err != nil {
				c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("queue: reconnect failed")
				continue
			}
			break
		}
	}
}

// Close shuts down the supervisor and the underlying connection.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.closed) })
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Publish sends body as a durable, persistent message to routingKey.
// Treated by callers as a retriable operation error on broker
// unavailability (§4.5).
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return amqp.ErrClosed
	}
	err := ch.Publish("", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err == nil {
		c.metrics.ObserveJobPublished(routingKey)
	}
	return err
}

// Consume starts a prefetch=1 consumer on queueName. The returned channel
// delivers amqp.Delivery values for the caller to decode, ack, or nack.
//
// The returned channel is tied to the *current* underlying AMQP channel: if
// supervise() replaces it after a reconnect, this channel closes and
// delivers nothing further. Callers that must survive reconnects should use
// Run instead, which re-subscribes automatically.
func (c *Client) Consume(ctx context.Context, queueName, consumerTag string) (<-chan amqp.Delivery, error) {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()
	if ch == nil {
		return nil, amqp.ErrClosed
	}
	return ch.Consume(queueName, consumerTag, false, false, false, false, nil)
}

// Run consumes queueName and invokes handle for each delivery, re-issuing
// Consume against the current channel whenever the prior one closes (broker
// reconnect, channel-level error) until ctx is cancelled. This is the
// resumption fix for the gap in Consume: a caller holding only the raw
// delivery channel would silently stop receiving work after a reconnect
// replaces c.channel out from under it.
func (c *Client) Run(ctx context.Context, queueName, consumerTag string, handle func(amqp.Delivery)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return nil
		default:
		}

		deliveries, err := c.Consume(ctx, queueName, consumerTag)
		if err != nil {
			if err := backoff.Sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		draining := true
		for draining {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return nil
			case d, ok := <-deliveries:
				if !ok {
					// Channel closed out from under us (reconnect or
					// broker error). Loop back to Consume against
					// whatever channel supervise() has installed next.
					draining = false
					continue
				}
				c.metrics.ObserveJobConsumed(queueName, "received")
				handle(d)
			}
		}
	}
}
