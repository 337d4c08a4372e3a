// Package rabbit provides an AMQP 0-9-1 implementation of the bifrost
// broker client, backed by a pooled connection per role with transparent
// recovery.
package rabbit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ciaranRoche/bifrost-go/broker"
)

var errConnClosed = errors.New("amqp connection closed")

const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// Client implements broker.Client over amqp091.
//
// One Client owns one connection and a bounded channel pool. Channels
// are borrowed per operation; consumers run on dedicated channels. When
// the broker drops the connection the client re-dials with jittered
// backoff and restarts registered consumers; operations in flight at the
// moment of failure fail with broker.ConnectionLostError and are left to
// the caller to retry.
type Client struct {
	role    broker.Role
	profile *broker.Profile
	dialer  Dialer

	mu   sync.RWMutex
	conn *amqp.Connection
	pool *channelPool

	done      chan struct{}
	wg        sync.WaitGroup
	consumers map[string]*consumerState
	closed    bool
}

type consumerState struct {
	ctx     context.Context
	sub     broker.Subscription
	handler broker.DeliveryHandler
}

// NewClient dials the broker described by the profile and returns a
// ready client. It is the registered broker.Factory for "rabbit".
func NewClient(role broker.Role, profile *broker.Profile) (broker.Client, error) {
	return NewClientWithDialer(role, profile, defaultDialer)
}

// NewClientWithDialer is NewClient with a substitute dialer, used by
// tests and by callers that tunnel connections.
func NewClientWithDialer(role broker.Role, profile *broker.Profile, dialer Dialer) (broker.Client, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil {
		dialer = defaultDialer
	}

	c := &Client{
		role:      role,
		profile:   profile,
		dialer:    dialer,
		done:      make(chan struct{}),
		consumers: make(map[string]*consumerState),
	}

	conn, err := dial(context.Background(), profile, dialer)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.conn = conn
	c.pool = newChannelPool(conn, profile.ChannelCacheSize, profile.CheckoutTimeout)

	c.wg.Add(1)
	go c.watchConnection(conn)

	log.Printf("Rabbit Client: Connected (%s role, %d addresses)", role, len(profile.Addresses))

	return c, nil
}

// DeclareExchange implements broker.Client.
func (c *Client) DeclareExchange(ctx context.Context, ex broker.Exchange) error {
	return c.withChannel(ctx, func(ch *amqp.Channel) error {
		return ch.ExchangeDeclare(ex.Name, ex.Kind, ex.Durable, ex.AutoDelete, false, false, nil)
	})
}

// DeclareQueue implements broker.Client.
func (c *Client) DeclareQueue(ctx context.Context, q broker.Queue) error {
	return c.withChannel(ctx, func(ch *amqp.Channel) error {
		args := amqp.Table{}
		for k, v := range q.Args {
			args[k] = v
		}
		_, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, false, false, args)
		return err
	})
}

// BindQueue implements broker.Client.
func (c *Client) BindQueue(ctx context.Context, b broker.Binding) error {
	return c.withChannel(ctx, func(ch *amqp.Channel) error {
		return ch.QueueBind(b.Queue, b.Key, b.Exchange, false, nil)
	})
}

// Publish implements broker.Client. The routing key travels on the
// message, stamped there by the partition router.
func (c *Client) Publish(ctx context.Context, exchange string, msg *broker.Message) error {
	return c.withChannel(ctx, func(ch *amqp.Channel) error {
		headers := amqp.Table{}
		for k, v := range msg.Headers {
			headers[k] = v
		}

		mode := amqp.Transient
		if msg.Persistent {
			mode = amqp.Persistent
		}

		return ch.PublishWithContext(ctx, exchange, msg.RoutingKey, false, false, amqp.Publishing{
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			CorrelationId:   msg.CorrelationID,
			MessageId:       msg.MessageID,
			Headers:         headers,
			Body:            msg.Body,
			DeliveryMode:    mode,
			Timestamp:       time.Now(),
		})
	})
}

// withChannel borrows a pooled channel for the duration of one
// operation. Failures on a dropped connection surface as
// broker.ConnectionLostError.
func (c *Client) withChannel(ctx context.Context, fn func(*amqp.Channel) error) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return broker.ErrClosed
	}
	pool := c.pool
	conn := c.conn
	c.mu.RUnlock()

	ch, err := pool.Borrow(ctx)
	if err != nil {
		return err
	}
	defer pool.Return(ch)

	if err := fn(ch); err != nil {
		if conn.IsClosed() || ch.IsClosed() {
			return &broker.ConnectionLostError{Err: err}
		}
		return err
	}
	return nil
}

// Consume implements broker.Client. The subscription runs on a dedicated
// channel until ctx is canceled; a consumer whose channel dies is
// restarted once the connection recovers.
func (c *Client) Consume(ctx context.Context, sub broker.Subscription, handler broker.DeliveryHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return broker.ErrClosed
	}
	if _, exists := c.consumers[sub.Queue]; exists {
		c.mu.Unlock()
		return fmt.Errorf("already consuming from queue %s", sub.Queue)
	}
	state := &consumerState{ctx: ctx, sub: sub, handler: handler}
	c.consumers[sub.Queue] = state
	conn := c.conn
	c.mu.Unlock()

	if err := c.startConsumer(conn, state); err != nil {
		c.mu.Lock()
		delete(c.consumers, sub.Queue)
		c.mu.Unlock()
		return err
	}

	log.Printf("Rabbit Client: Consuming from queue %s (partition %d)", sub.Queue, sub.Partition)

	return nil
}

// startConsumer opens the dedicated channel and runs the delivery loop.
func (c *Client) startConsumer(conn connection, state *consumerState) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}

	prefetch := state.sub.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		safeClose(ch)
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(state.sub.Queue, "", state.sub.AutoAck, false, false, false, nil)
	if err != nil {
		safeClose(ch)
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	c.wg.Add(1)
	go c.consumeLoop(conn, state, ch, deliveries, closeCh)

	return nil
}

// consumeLoop processes deliveries for one subscription.
func (c *Client) consumeLoop(conn connection, state *consumerState, ch *amqp.Channel, deliveries <-chan amqp.Delivery, closeCh <-chan *amqp.Error) {
	defer c.wg.Done()

	for {
		select {
		case <-state.ctx.Done():
			safeClose(ch)
			c.mu.Lock()
			delete(c.consumers, state.sub.Queue)
			c.mu.Unlock()
			return

		case <-c.done:
			safeClose(ch)
			return

		case <-closeCh:
			// Channel-level failure; the connection may still be up.
			// Unacked deliveries are redelivered by the broker once
			// the consumer is back.
			log.Printf("Rabbit Client: Consumer channel closed for queue %s", state.sub.Queue)
			c.restartConsumer(conn, state)
			return

		case d, ok := <-deliveries:
			if !ok {
				// Server-initiated cancel; treat like a dead channel.
				safeClose(ch)
				log.Printf("Rabbit Client: Deliveries ended for queue %s", state.sub.Queue)
				c.restartConsumer(conn, state)
				return
			}
			c.handleDelivery(state, d)
		}
	}
}

// restartConsumer re-establishes a subscription whose channel died while
// the connection stayed up, retrying with jittered backoff. A dead
// connection is left to the connection watcher, which restarts all
// registered consumers after re-dialing.
func (c *Client) restartConsumer(conn connection, state *consumerState) {
	backoff := reconnectBase

	for {
		if state.ctx.Err() != nil {
			c.mu.Lock()
			delete(c.consumers, state.sub.Queue)
			c.mu.Unlock()
			return
		}

		select {
		case <-c.done:
			return
		default:
		}

		if conn.IsClosed() {
			return
		}

		err := c.startConsumer(conn, state)
		if err == nil {
			log.Printf("Rabbit Client: Restarted consumer for queue %s", state.sub.Queue)
			return
		}
		if conn.IsClosed() {
			// The failure took the connection with it; hand off to
			// the watcher.
			return
		}

		wait := jitteredDelay(backoff, reconnectCap)
		log.Printf("Rabbit Client: Failed to restart consumer for queue %s (%v), retrying in %s",
			state.sub.Queue, err, wait)
		select {
		case <-c.done:
			return
		case <-state.ctx.Done():
		case <-time.After(wait):
		}
		if backoff*2 < reconnectCap {
			backoff *= 2
		}
	}
}

func (c *Client) handleDelivery(state *consumerState, d amqp.Delivery) {
	headers := make(map[string]interface{}, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}

	delivery := &broker.Delivery{
		Body:            d.Body,
		Headers:         headers,
		RoutingKey:      d.RoutingKey,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationID:   d.CorrelationId,
		MessageID:       d.MessageId,
		Queue:           state.sub.Queue,
		Partition:       state.sub.Partition,
	}

	err := state.handler(state.ctx, delivery)
	if state.sub.AutoAck {
		return
	}

	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Printf("Rabbit Client: Failed to ack on queue %s: %v", state.sub.Queue, ackErr)
		}
	case errors.Is(err, broker.ErrPoison):
		// Not redeliverable; reject without requeue.
		if rejErr := d.Reject(false); rejErr != nil {
			log.Printf("Rabbit Client: Failed to reject on queue %s: %v", state.sub.Queue, rejErr)
		}
	default:
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Printf("Rabbit Client: Failed to nack on queue %s: %v", state.sub.Queue, nackErr)
		}
	}
}

// watchConnection re-establishes the connection and pool when the broker
// drops them, then restarts registered consumers.
func (c *Client) watchConnection(conn *amqp.Connection) {
	defer c.wg.Done()

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-c.done:
			return

		case amqpErr, ok := <-closeCh:
			if !ok {
				amqpErr = &amqp.Error{Reason: "connection closed"}
			}
			log.Printf("Rabbit Client: Connection lost (%v), reconnecting", amqpErr)

			next, err := c.reconnect()
			if err != nil {
				return
			}
			closeCh = next.NotifyClose(make(chan *amqp.Error, 1))
		}
	}
}

// reconnect re-dials with jittered exponential backoff, swaps in a fresh
// pool, and restarts consumers. It returns the new connection, or an
// error only when the client is closing.
func (c *Client) reconnect() (*amqp.Connection, error) {
	backoff := reconnectBase

	for {
		select {
		case <-c.done:
			return nil, broker.ErrClosed
		default:
		}

		conn, err := dial(context.Background(), c.profile, c.dialer)
		if err != nil {
			wait := jitteredDelay(backoff, reconnectCap)
			log.Printf("Rabbit Client: Reconnect failed (%v), retrying in %s", err, wait)
			select {
			case <-c.done:
				return nil, broker.ErrClosed
			case <-time.After(wait):
			}
			if backoff*2 < reconnectCap {
				backoff *= 2
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return nil, broker.ErrClosed
		}
		c.pool.Close()
		c.conn = conn
		c.pool = newChannelPool(conn, c.profile.ChannelCacheSize, c.profile.CheckoutTimeout)
		states := make([]*consumerState, 0, len(c.consumers))
		for _, s := range c.consumers {
			states = append(states, s)
		}
		c.mu.Unlock()

		for _, s := range states {
			if s.ctx.Err() != nil {
				continue
			}
			if err := c.startConsumer(conn, s); err != nil {
				log.Printf("Rabbit Client: Failed to restart consumer for queue %s: %v", s.sub.Queue, err)
			}
		}

		log.Printf("Rabbit Client: Reconnected")
		return conn, nil
	}
}

// jitteredDelay spreads reconnect attempts across instances.
func jitteredDelay(base, capd time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * 0.25
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > capd {
		wait = capd
	}
	return wait
}

// HealthCheck implements broker.Client.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return broker.ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		return &broker.ConnectionLostError{Err: errConnClosed}
	}
	return nil
}

// Close implements broker.Client.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	pool := c.pool
	conn := c.conn
	c.mu.Unlock()

	if pool != nil {
		pool.Close()
	}

	var err error
	if conn != nil && !conn.IsClosed() {
		err = conn.Close()
	}

	c.wg.Wait()

	log.Printf("Rabbit Client: Closed (%s role)", c.role)

	return err
}

// init registers the rabbit client.
func init() {
	broker.Register("rabbit", NewClient)
}
