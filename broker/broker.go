// Package broker defines the broker client interface and registry.
//
// Clients implement the broker-facing protocol operations (declare
// exchange, declare queue, bind queue, publish with routing key, consume
// from queue) for different messaging systems. New clients can be
// registered via the Register function, typically in an init() function.
package broker

import (
	"context"
	"fmt"
	"sync"
)

// Role identifies which side of a binding a client serves. Producer and
// consumer clients are kept separate so each side can carry its own
// connection profile and pool sizing.
type Role string

const (
	// RoleProducer marks a client used for outbound publishes.
	RoleProducer Role = "producer"

	// RoleConsumer marks a client used for inbound consumption.
	RoleConsumer Role = "consumer"
)

// Exchange describes a broker exchange to declare.
type Exchange struct {
	// Name is the exchange name, conventionally the destination name
	Name string

	// Kind is the exchange type: "topic", "direct", or "fanout"
	Kind string

	// Durable indicates the exchange survives broker restart
	Durable bool

	// AutoDelete indicates the exchange is removed when unused
	AutoDelete bool

	// Partitions is advisory: brokers that natively understand
	// partitioning size the physical topic from it. AMQP brokers
	// ignore it; partitioning there is emulated with per-partition
	// queues and routing keys.
	Partitions int
}

// Queue describes a broker queue to declare.
type Queue struct {
	// Name is the queue name, derived deterministically from
	// (destination, group, partition index)
	Name string

	// Durable indicates the queue survives broker restart
	Durable bool

	// AutoDelete indicates the queue is removed when unused
	AutoDelete bool

	// Args contains broker-specific declaration arguments
	Args map[string]interface{}
}

// Binding relates a queue to an exchange under a routing key.
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

// Message is an outbound message handed to a client for publishing.
type Message struct {
	// Body is the payload, possibly compressed
	Body []byte

	// Headers contains message metadata
	Headers map[string]interface{}

	// RoutingKey steers the message to the queue(s) bound with a
	// matching key. The partition router stamps it with the computed
	// partition index before handoff.
	RoutingKey string

	// ContentType describes the payload format
	ContentType string

	// ContentEncoding tags compressed payloads so the receiving side
	// can select the matching decompressor
	ContentEncoding string

	// CorrelationID is an optional correlation identifier
	CorrelationID string

	// MessageID is an optional message identifier
	MessageID string

	// Persistent requests durable delivery where the broker supports it
	Persistent bool
}

// Delivery is an inbound message received from a client.
type Delivery struct {
	// Body is the raw payload as received, possibly compressed
	Body []byte

	// Headers contains message metadata
	Headers map[string]interface{}

	// RoutingKey is the key the message was published with
	RoutingKey string

	// ContentType describes the payload format
	ContentType string

	// ContentEncoding is the compression tag attached at publish time
	ContentEncoding string

	// CorrelationID is an optional correlation identifier
	CorrelationID string

	// MessageID is an optional message identifier
	MessageID string

	// Queue is the physical queue the message arrived on
	Queue string

	// Partition is the partition index the queue serves, or -1 when
	// the subscription is unpartitioned
	Partition int
}

// DeliveryHandler processes messages received from a client.
//
// A nil return acknowledges the delivery. A non-nil return rejects it:
// errors wrapping ErrPoison reject without requeue, anything else
// requeues for redelivery.
type DeliveryHandler func(ctx context.Context, d *Delivery) error

// Subscription describes one consumer registration.
type Subscription struct {
	// Queue is the physical queue (or topic, for natively partitioned
	// brokers) to consume from
	Queue string

	// Group is the consumer group name owning the queue
	Group string

	// Partition is the partition index this subscription serves, or
	// -1 for an unpartitioned subscription
	Partition int

	// Prefetch limits unacknowledged deliveries in flight (0 uses the
	// client default)
	Prefetch int

	// AutoAck disables manual acknowledgement
	AutoAck bool
}

// Client is the core interface all broker clients must implement.
//
// Declarations are idempotent from the caller's perspective: declaring
// an object that already exists with identical parameters succeeds, and
// the broker arbitrates conflicting re-declares by returning an error.
// Implementations must not retry or mask declaration conflicts.
type Client interface {
	// DeclareExchange declares an exchange, asserting an existing one
	// matches.
	DeclareExchange(ctx context.Context, ex Exchange) error

	// DeclareQueue declares a queue, asserting an existing one matches.
	DeclareQueue(ctx context.Context, q Queue) error

	// BindQueue binds a queue to an exchange with a routing key.
	BindQueue(ctx context.Context, b Binding) error

	// Publish sends a message to the exchange using msg.RoutingKey.
	Publish(ctx context.Context, exchange string, msg *Message) error

	// Consume registers a subscription and invokes handler for each
	// delivery until ctx is canceled. It returns once the consumer is
	// registered; delivery processing runs in the background.
	Consume(ctx context.Context, sub Subscription, handler DeliveryHandler) error

	// HealthCheck verifies the connection to the broker.
	HealthCheck(ctx context.Context) error

	// Close releases all pooled connections and stops consumers.
	Close() error
}

// Factory creates a new client for a role from a connection profile.
type Factory func(role Role, profile *Profile) (Client, error)

var (
	registry = make(map[string]Factory)
	mu       sync.RWMutex
)

// Register registers a client factory with the given name.
//
// This function is typically called from init() functions in client
// implementations:
//
//	func init() {
//		broker.Register("rabbit", NewClient)
//	}
//
// If a client with the same name already exists, it will be overwritten.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// New creates a new client instance by name.
//
// The client must have been previously registered via Register().
func New(name string, role Role, profile *Profile) (Client, error) {
	mu.RLock()
	factory, exists := registry[name]
	mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("broker client '%s' not found (did you import the client package?)", name)
	}

	return factory(role, profile)
}

// ListClients returns a list of all registered client names.
func ListClients() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// IsRegistered checks if a client with the given name is registered.
func IsRegistered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, exists := registry[name]
	return exists
}
