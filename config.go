package bifrost

import (
	"fmt"

	"github.com/ciaranRoche/bifrost-go/broker"
	"github.com/ciaranRoche/bifrost-go/codec"
	"github.com/ciaranRoche/bifrost-go/partition"
	"github.com/ciaranRoche/bifrost-go/topology"
)

// Destination is a logical named channel between producers and
// consumers, mapped to one broker exchange.
type Destination = topology.Destination

// Config holds the configuration for a Binder instance.
type Config struct {
	// Broker is the broker client to use (e.g., "rabbit", "kafka")
	Broker string

	// Profile is the connection profile shared by both roles unless a
	// role-specific profile is set
	Profile *broker.Profile

	// ProducerProfile overrides Profile for the producer role
	ProducerProfile *broker.Profile

	// ConsumerProfile overrides Profile for the consumer role
	ConsumerProfile *broker.Profile

	// Compression configures the payload compression pipeline
	Compression codec.Policy

	// Externally supplied clients; used as-is, the binder takes no
	// ownership and will not close them
	producerClient broker.Client
	consumerClient broker.Client
}

// Validate checks if the configuration is valid. Compression levels are
// checked here so a bad policy fails at construction, not at first use.
func (c *Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker must be specified")
	}

	if err := c.Compression.Validate(); err != nil {
		return fmt.Errorf("invalid compression policy: %w", err)
	}

	return nil
}

// profileFor resolves the connection profile for a role.
func (c *Config) profileFor(role broker.Role) *broker.Profile {
	switch role {
	case broker.RoleProducer:
		if c.ProducerProfile != nil {
			return c.ProducerProfile
		}
	case broker.RoleConsumer:
		if c.ConsumerProfile != nil {
			return c.ConsumerProfile
		}
	}
	return c.Profile
}

// Option is a functional option for configuring a Binder.
type Option func(*Config) error

// WithBroker sets the broker client by registered name.
//
// Example:
//
//	bifrost.New(bifrost.WithBroker("rabbit"), ...)
func WithBroker(name string) Option {
	return func(c *Config) error {
		c.Broker = name
		return nil
	}
}

// WithProfile sets the connection profile for both roles.
func WithProfile(p *broker.Profile) Option {
	return func(c *Config) error {
		c.Profile = p
		return nil
	}
}

// WithProducerProfile sets a producer-role connection profile, built
// lazily only if no external producer client is supplied.
func WithProducerProfile(p *broker.Profile) Option {
	return func(c *Config) error {
		c.ProducerProfile = p
		return nil
	}
}

// WithConsumerProfile sets a consumer-role connection profile.
func WithConsumerProfile(p *broker.Profile) Option {
	return func(c *Config) error {
		c.ConsumerProfile = p
		return nil
	}
}

// WithCompression enables payload compression.
//
// Example:
//
//	bifrost.New(
//		bifrost.WithBroker("rabbit"),
//		bifrost.WithCompression(codec.Policy{Enabled: true, Level: 6}),
//	)
func WithCompression(p codec.Policy) Option {
	return func(c *Config) error {
		c.Compression = p
		return nil
	}
}

// WithProducerClient supplies an external producer-role client. It is
// used as-is; the binder does not own or close it.
func WithProducerClient(client broker.Client) Option {
	return func(c *Config) error {
		c.producerClient = client
		return nil
	}
}

// WithConsumerClient supplies an external consumer-role client.
func WithConsumerClient(client broker.Client) Option {
	return func(c *Config) error {
		c.consumerClient = client
		return nil
	}
}

// ProducerConfig configures the producer side of one binding.
type ProducerConfig struct {
	// Partitioned enables partition-aware routing and topology
	Partitioned bool

	// PartitionCount is the number of partitions (>= 1 when
	// partitioned). Fixed for the lifetime of the binding; changing it
	// requires re-provisioning.
	PartitionCount int

	// PartitionKeyExpression derives the key via a CEL expression over
	// {payload, headers}. Mutually exclusive with PartitionKeyExtractor.
	PartitionKeyExpression string

	// PartitionKeyExtractor derives the key via a custom extractor.
	// When neither is set, the key is read from the
	// partition.DefaultKeyHeader message header.
	PartitionKeyExtractor partition.KeyExtractor

	// PartitionSelectorExpression overrides the default hash-mod
	// selection via a CEL expression over {key, partitionCount}.
	// Mutually exclusive with PartitionSelector.
	PartitionSelectorExpression string

	// PartitionSelector overrides selection with a custom Selector. It
	// must be a pure function of (key, partitionCount) returning an
	// index in range.
	PartitionSelector partition.Selector

	// RequiredGroups lists consumer groups whose queues are
	// pre-provisioned so messages are retained before any consumer
	// connects. When empty, messages published before a consumer binds
	// are dropped by the broker.
	RequiredGroups []string
}

// Validate checks if the producer configuration is valid.
func (c *ProducerConfig) Validate() error {
	if c.Partitioned && c.PartitionCount < 1 {
		return fmt.Errorf("partition count must be >= 1, got %d", c.PartitionCount)
	}

	if c.PartitionKeyExpression != "" && c.PartitionKeyExtractor != nil {
		return fmt.Errorf("partition key expression and extractor are mutually exclusive")
	}

	if c.PartitionSelectorExpression != "" && c.PartitionSelector != nil {
		return fmt.Errorf("partition selector expression and selector are mutually exclusive")
	}

	return nil
}

// ConsumerConfig configures the consumer side of one binding.
type ConsumerConfig struct {
	// Partitioned enables partition-aware binding
	Partitioned bool

	// Group is the consumer group name; it determines queue naming and
	// sharing
	Group string

	// InstanceIndex is the partition this process instance consumes,
	// assigned externally. Exactly one instance must run per index in
	// [0, InstanceCount) for full coverage; the binder does not enforce
	// this and uncovered partitions simply go unconsumed.
	InstanceIndex int

	// InstanceCount is the total number of consumer instances
	InstanceCount int

	// Prefetch limits unacknowledged deliveries in flight
	Prefetch int

	// AutoAck disables manual acknowledgement
	AutoAck bool
}

// Validate checks if the consumer configuration is valid.
func (c *ConsumerConfig) Validate() error {
	spec := c.spec()
	return spec.Validate()
}

func (c *ConsumerConfig) spec() topology.ConsumerSpec {
	return topology.ConsumerSpec{
		Partitioned:   c.Partitioned,
		Group:         c.Group,
		InstanceIndex: c.InstanceIndex,
		InstanceCount: c.InstanceCount,
	}
}
