// Package bifrost binds logical stream endpoints (destination name,
// consumer group, partition key) to physical broker topology (exchange,
// per-partition queues, bindings, routing keys).
//
// Given a destination, a partition count, group membership, and
// durability/compression options, the binder deterministically derives
// and provisions the broker objects needed so that messages published
// with a partition key land on the queue consumed by the matching
// partition instance, without the broker natively understanding
// partitioning.
//
// Basic usage:
//
//	b, err := bifrost.New(
//		bifrost.WithBroker("rabbit"),
//		bifrost.WithProfile(&broker.Profile{Addresses: []string{"localhost:5672"}}),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	out, err := b.BindProducer(ctx, bifrost.Destination{Name: "orders", Durable: true},
//		bifrost.ProducerConfig{
//			Partitioned:    true,
//			PartitionCount: 2,
//			RequiredGroups: []string{"billing"},
//		})
//	if err != nil {
//		log.Fatal(err)
//	}
//	err = out.Send(ctx, &bifrost.Message{
//		Body:    []byte(`{"order_id": "123"}`),
//		Headers: map[string]interface{}{"partitionKey": "cust-42"},
//	})
package bifrost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ciaranRoche/bifrost-go/broker"
	"github.com/ciaranRoche/bifrost-go/codec"
	"github.com/ciaranRoche/bifrost-go/partition"
	"github.com/ciaranRoche/bifrost-go/topology"
)

// Headers stamped on inbound messages identifying the physical queue and
// partition they arrived on.
const (
	HeaderSourceQueue     = "sourceQueue"
	HeaderSourcePartition = "sourcePartition"
)

// Message is the application-level message envelope.
type Message struct {
	// Body is the raw payload
	Body []byte

	// Headers contains message metadata; outbound, the partition key
	// travels here unless a key expression/extractor is configured
	Headers map[string]interface{}

	// ContentType describes the payload format
	ContentType string

	// CorrelationID is an optional correlation identifier
	CorrelationID string

	// Queue is the physical queue an inbound message arrived on
	Queue string

	// Partition is the partition index an inbound message arrived on,
	// or -1 when the binding is unpartitioned
	Partition int
}

// MessageHandler processes inbound messages. A non-nil return rejects
// the delivery for redelivery by the broker; wrap broker.ErrPoison to
// reject without redelivery.
type MessageHandler func(ctx context.Context, msg *Message) error

// Binder is the composition root connecting topology provisioning,
// partition routing, compression, and per-role broker clients. It owns
// the clients it builds; externally supplied clients are used as-is.
type Binder struct {
	config *Config

	mu            sync.Mutex
	producer      broker.Client
	producerOwned bool
	consumer      broker.Client
	consumerOwned bool
	cancels       map[string]context.CancelFunc
	closed        bool
}

// New creates a Binder with the provided options.
//
// Construction is explicit: the binder builds its collaborators itself
// and validates configuration (including compression levels) up front.
func New(opts ...Option) (*Binder, error) {
	cfg := &Config{Broker: "rabbit"}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Binder{
		config:   cfg,
		producer: cfg.producerClient,
		consumer: cfg.consumerClient,
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// clientFor returns the client for a role, lazily dialing from the
// role's profile when none was supplied externally. The binder mutex is
// not held across the dial.
func (b *Binder) clientFor(role broker.Role) (broker.Client, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if role == broker.RoleProducer && b.producer != nil {
		c := b.producer
		b.mu.Unlock()
		return c, nil
	}
	if role == broker.RoleConsumer && b.consumer != nil {
		c := b.consumer
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	profile := b.config.profileFor(role)
	if profile == nil {
		return nil, fmt.Errorf("no %s client or connection profile configured", role)
	}

	client, err := broker.New(b.config.Broker, role, profile)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		_ = client.Close()
		return nil, broker.ErrClosed
	}
	// Another bind may have raced the dial; keep the first client.
	switch role {
	case broker.RoleProducer:
		if b.producer != nil {
			_ = client.Close()
			return b.producer, nil
		}
		b.producer = client
		b.producerOwned = true
	case broker.RoleConsumer:
		if b.consumer != nil {
			_ = client.Close()
			return b.consumer, nil
		}
		b.consumer = client
		b.consumerOwned = true
	}
	return client, nil
}

// ProducerBinding is one outbound binding: topology provisioned, router
// and compression attached.
type ProducerBinding struct {
	dest     Destination
	client   broker.Client
	router   *partition.Router
	pipeline *codec.Pipeline
}

// BindProducer provisions the producer side of a destination and
// returns a binding to publish through.
//
// Provisioning happens before the binding is usable: the exchange, and
// one queue per (required group, partition index) with routing key
// bindings, exist when BindProducer returns. Provisioning conflicts are
// fatal and not retried.
func (b *Binder) BindProducer(ctx context.Context, dest Destination, cfg ProducerConfig) (*ProducerBinding, error) {
	if err := dest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer configuration: %w", err)
	}

	router, err := b.buildRouter(cfg)
	if err != nil {
		return nil, err
	}

	pipeline, err := codec.NewPipeline(b.config.Compression)
	if err != nil {
		return nil, err
	}

	client, err := b.clientFor(broker.RoleProducer)
	if err != nil {
		return nil, err
	}

	layout, err := topology.PlanProducer(dest, topology.ProducerSpec{
		Partitioned:    cfg.Partitioned,
		Partitions:     cfg.PartitionCount,
		RequiredGroups: cfg.RequiredGroups,
	})
	if err != nil {
		return nil, err
	}

	if err := topology.NewProvisioner(client).Apply(ctx, layout); err != nil {
		return nil, err
	}

	return &ProducerBinding{
		dest:     dest,
		client:   client,
		router:   router,
		pipeline: pipeline,
	}, nil
}

// buildRouter resolves the extractor and selector for a producer
// binding. Expressions are compiled here so they fail the bind, not the
// first publish. Returns nil when the binding is effectively
// unpartitioned (a partition count of 1 behaves identically to an
// unpartitioned destination).
func (b *Binder) buildRouter(cfg ProducerConfig) (*partition.Router, error) {
	if !cfg.Partitioned || cfg.PartitionCount <= 1 {
		return nil, nil
	}

	extractor := cfg.PartitionKeyExtractor
	if extractor == nil && cfg.PartitionKeyExpression != "" {
		cel, err := partition.NewCELExtractor(cfg.PartitionKeyExpression)
		if err != nil {
			return nil, err
		}
		extractor = cel
	}

	selector := cfg.PartitionSelector
	if selector == nil && cfg.PartitionSelectorExpression != "" {
		cel, err := partition.NewCELSelector(cfg.PartitionSelectorExpression)
		if err != nil {
			return nil, err
		}
		selector = cel
	}

	return partition.NewRouter(partition.Spec{
		Partitions: cfg.PartitionCount,
		Extractor:  extractor,
		Selector:   selector,
	})
}

// Send routes, compresses, and publishes one message.
//
// Routing and encoding failures are isolated to this message. A
// broker.ConnectionLostError means the publish was in flight when the
// connection dropped; the pool re-establishes transparently and the
// caller retries the Send.
func (p *ProducerBinding) Send(ctx context.Context, msg *Message) error {
	out := &broker.Message{
		Body:          msg.Body,
		Headers:       msg.Headers,
		ContentType:   msg.ContentType,
		CorrelationID: msg.CorrelationID,
		Persistent:    p.dest.Durable,
	}

	if p.router != nil {
		if _, err := p.router.Route(out); err != nil {
			return err
		}
	} else {
		out.RoutingKey = topology.PublishKey(p.dest)
	}

	body, encoding, err := p.pipeline.Compress(out.Body)
	if err != nil {
		return err
	}
	out.Body = body
	out.ContentEncoding = encoding

	return p.client.Publish(ctx, p.dest.Name, out)
}

// ConsumerBinding is one inbound binding.
type ConsumerBinding struct {
	// Queue is the physical queue this binding consumes from
	Queue string

	stop func()
}

// Stop cancels this binding's consumption and releases its queue so it
// can be bound again.
func (c *ConsumerBinding) Stop() {
	c.stop()
}

// BindConsumer provisions this instance's queue, binds it to the
// destination exchange with its own partition index, and starts
// consuming. Inbound payloads are decompressed per their
// content-encoding tag and stamped with the source queue and partition
// before the handler runs.
func (b *Binder) BindConsumer(ctx context.Context, dest Destination, cfg ConsumerConfig, handler MessageHandler) (*ConsumerBinding, error) {
	if err := dest.Validate(); err != nil {
		return nil, fmt.Errorf("invalid destination: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer configuration: %w", err)
	}

	pipeline, err := codec.NewPipeline(b.config.Compression)
	if err != nil {
		return nil, err
	}

	client, err := b.clientFor(broker.RoleConsumer)
	if err != nil {
		return nil, err
	}

	spec := cfg.spec()
	queue := topology.ConsumerQueue(dest, spec)

	subCtx, cancel := context.WithCancel(ctx)

	// Reserve the queue before touching the broker: a second bind to
	// the same queue is rejected here rather than racing the first
	// through clients that tolerate duplicate subscriptions.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, broker.ErrClosed
	}
	if _, exists := b.cancels[queue]; exists {
		b.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("already bound to queue %s", queue)
	}
	b.cancels[queue] = cancel
	b.mu.Unlock()

	release := func() {
		b.mu.Lock()
		if b.cancels != nil {
			delete(b.cancels, queue)
		}
		b.mu.Unlock()
		cancel()
	}

	layout, err := topology.PlanConsumer(dest, spec)
	if err != nil {
		release()
		return nil, err
	}

	if err := topology.NewProvisioner(client).Apply(ctx, layout); err != nil {
		release()
		return nil, err
	}

	partitionIndex := -1
	if cfg.Partitioned && cfg.InstanceCount > 1 {
		partitionIndex = cfg.InstanceIndex
	}

	sub := broker.Subscription{
		Queue:     queue,
		Group:     cfg.Group,
		Partition: partitionIndex,
		Prefetch:  cfg.Prefetch,
		AutoAck:   cfg.AutoAck,
	}

	err = client.Consume(subCtx, sub, func(ctx context.Context, d *broker.Delivery) error {
		return b.deliver(ctx, pipeline, d, handler)
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to bind consumer to queue %s: %w", queue, err)
	}

	return &ConsumerBinding{Queue: queue, stop: release}, nil
}

// deliver decompresses an inbound delivery and invokes the handler.
//
// A payload whose content encoding is unknown or fails to decode is
// poison: it is rejected without redelivery and never handed to the
// handler as raw bytes.
func (b *Binder) deliver(ctx context.Context, pipeline *codec.Pipeline, d *broker.Delivery, handler MessageHandler) error {
	body, err := pipeline.Decompress(d.Body, d.ContentEncoding)
	if err != nil {
		var unsupported *codec.UnsupportedEncodingError
		if errors.As(err, &unsupported) {
			return fmt.Errorf("%w: %w", broker.ErrPoison, err)
		}
		return fmt.Errorf("%w: decoding %q payload: %w", broker.ErrPoison, d.ContentEncoding, err)
	}

	headers := make(map[string]interface{}, len(d.Headers)+2)
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderSourceQueue] = d.Queue
	headers[HeaderSourcePartition] = d.Partition

	return handler(ctx, &Message{
		Body:          body,
		Headers:       headers,
		ContentType:   d.ContentType,
		CorrelationID: d.CorrelationID,
		Queue:         d.Queue,
		Partition:     d.Partition,
	})
}

// HealthCheck verifies the connections of whichever role clients exist.
func (b *Binder) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	producer := b.producer
	consumer := b.consumer
	b.mu.Unlock()

	if producer != nil {
		if err := producer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("producer client: %w", err)
		}
	}
	if consumer != nil {
		if err := consumer.HealthCheck(ctx); err != nil {
			return fmt.Errorf("consumer client: %w", err)
		}
	}
	return nil
}

// Close stops all consumers and closes the clients the binder owns.
// Externally supplied clients are left open.
func (b *Binder) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	producer, producerOwned := b.producer, b.producerOwned
	consumer, consumerOwned := b.consumer, b.consumerOwned
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	var errs []error
	if producerOwned && producer != nil {
		if err := producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close producer client: %w", err))
		}
	}
	if consumerOwned && consumer != nil {
		if err := consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer client: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}
