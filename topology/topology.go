// Package topology computes and provisions the broker objects backing a
// destination: one exchange, per-partition queues, and the bindings that
// steer a routing key to its queue.
//
// Layout planning is a pure function of the destination and binding
// parameters. Queue names are derived deterministically, so re-planning
// at any time yields the same objects and provisioning is idempotent.
package topology

import (
	"fmt"
	"strconv"

	"github.com/ciaranRoche/bifrost-go/broker"
)

// Exchange kinds accepted by a Destination.
const (
	KindTopic  = "topic"
	KindDirect = "direct"
	KindFanout = "fanout"
)

// Destination is a logical named channel between producers and
// consumers, mapped to one broker exchange.
type Destination struct {
	// Name is the logical destination name and the exchange name
	Name string

	// Kind is the exchange type: "topic", "direct", or "fanout"
	// (default: "topic")
	Kind string

	// Durable indicates exchange and queues survive broker restart
	// (default true via configs that construct destinations)
	Durable bool

	// AutoDelete indicates objects are removed when unused
	AutoDelete bool
}

// Validate checks the destination is well formed.
func (d *Destination) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("destination name is required")
	}

	switch d.Kind {
	case "", KindTopic, KindDirect, KindFanout:
	default:
		return fmt.Errorf("invalid exchange kind %q: must be topic, direct, or fanout", d.Kind)
	}

	return nil
}

// kind returns the effective exchange kind.
func (d *Destination) kind() string {
	if d.Kind == "" {
		return KindTopic
	}
	return d.Kind
}

// ProducerSpec describes the producer side of a binding.
type ProducerSpec struct {
	// Partitioned enables partition-aware topology
	Partitioned bool

	// Partitions is the partition count (>= 1 when partitioned)
	Partitions int

	// RequiredGroups lists consumer groups whose queues are
	// pre-provisioned so messages are retained before any consumer
	// instance connects. When empty, no queues are pre-provisioned and
	// messages published before a consumer binds are dropped by the
	// broker.
	RequiredGroups []string
}

// Validate checks the producer spec is well formed.
func (s *ProducerSpec) Validate() error {
	if s.Partitioned && s.Partitions < 1 {
		return fmt.Errorf("partition count must be >= 1, got %d", s.Partitions)
	}
	return nil
}

// partitions returns the effective partition count.
func (s *ProducerSpec) partitions() int {
	if !s.Partitioned || s.Partitions < 1 {
		return 1
	}
	return s.Partitions
}

// ConsumerSpec describes the consumer side of a binding.
type ConsumerSpec struct {
	// Partitioned enables partition-aware binding
	Partitioned bool

	// Group is the consumer group name; it determines queue naming and
	// sharing
	Group string

	// InstanceIndex is the partition this process instance consumes.
	// Assignment is fixed at startup: exactly one instance must run per
	// index in [0, InstanceCount) for full coverage, which the binder
	// does not enforce.
	InstanceIndex int

	// InstanceCount is the total number of consumer instances
	InstanceCount int
}

// Validate checks the consumer spec is well formed.
func (s *ConsumerSpec) Validate() error {
	if s.Group == "" {
		return fmt.Errorf("consumer group is required")
	}

	if s.Partitioned {
		if s.InstanceCount < 1 {
			return fmt.Errorf("instance count must be >= 1, got %d", s.InstanceCount)
		}
		if s.InstanceIndex < 0 || s.InstanceIndex >= s.InstanceCount {
			return fmt.Errorf("instance index %d out of range [0, %d)", s.InstanceIndex, s.InstanceCount)
		}
	}

	return nil
}

// QueueName derives the physical queue name for a (destination, group,
// partition) triple. It is a pure function of its inputs: re-deriving it
// at any time yields the same name, which is what makes re-provisioning
// idempotent.
func QueueName(destination, group string, partition int, partitioned bool) string {
	if !partitioned {
		return fmt.Sprintf("%s.%s", destination, group)
	}
	return fmt.Sprintf("%s.%s-%d", destination, group, partition)
}

// RoutingKey returns the routing key carrying a partition index.
func RoutingKey(partition int) string {
	return strconv.Itoa(partition)
}

// CatchAllKey returns the binding key that matches every message
// published to an unpartitioned destination, per exchange kind.
func CatchAllKey(d Destination) string {
	switch d.kind() {
	case KindTopic:
		return "#"
	case KindFanout:
		return ""
	default:
		return d.Name
	}
}

// PublishKey returns the routing key used for unpartitioned publishes.
func PublishKey(d Destination) string {
	if d.kind() == KindFanout {
		return ""
	}
	return d.Name
}

// Layout is the set of broker objects a binding requires.
type Layout struct {
	Exchange broker.Exchange
	Queues   []broker.Queue
	Bindings []broker.Binding
}

// PlanProducer computes the producer-side layout for a destination: the
// exchange, and for each required group one queue per partition index in
// [0, partitions), each bound with a routing key equal to its index.
func PlanProducer(dest Destination, spec ProducerSpec) (*Layout, error) {
	if err := dest.Validate(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	layout := &Layout{
		Exchange: broker.Exchange{
			Name:       dest.Name,
			Kind:       dest.kind(),
			Durable:    dest.Durable,
			AutoDelete: dest.AutoDelete,
			Partitions: spec.partitions(),
		},
	}

	partitioned := spec.Partitioned && spec.Partitions > 1

	for _, group := range spec.RequiredGroups {
		if !partitioned {
			name := QueueName(dest.Name, group, 0, false)
			layout.Queues = append(layout.Queues, broker.Queue{
				Name:       name,
				Durable:    dest.Durable,
				AutoDelete: dest.AutoDelete,
			})
			layout.Bindings = append(layout.Bindings, broker.Binding{
				Queue:    name,
				Exchange: dest.Name,
				Key:      CatchAllKey(dest),
			})
			continue
		}

		for i := 0; i < spec.Partitions; i++ {
			name := QueueName(dest.Name, group, i, true)
			layout.Queues = append(layout.Queues, broker.Queue{
				Name:       name,
				Durable:    dest.Durable,
				AutoDelete: dest.AutoDelete,
			})
			layout.Bindings = append(layout.Bindings, broker.Binding{
				Queue:    name,
				Exchange: dest.Name,
				Key:      RoutingKey(i),
			})
		}
	}

	return layout, nil
}

// PlanConsumer computes the consumer-side layout: this instance's queue,
// derived from (destination, group, instanceIndex), bound with the
// routing key matching its own partition index. An unpartitioned
// consumer gets the group's shared queue bound catch-all.
func PlanConsumer(dest Destination, spec ConsumerSpec) (*Layout, error) {
	if err := dest.Validate(); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	partitioned := spec.Partitioned && spec.InstanceCount > 1

	layout := &Layout{
		Exchange: broker.Exchange{
			Name:       dest.Name,
			Kind:       dest.kind(),
			Durable:    dest.Durable,
			AutoDelete: dest.AutoDelete,
			Partitions: spec.InstanceCount,
		},
	}
	if !spec.Partitioned {
		layout.Exchange.Partitions = 1
	}

	name := QueueName(dest.Name, spec.Group, spec.InstanceIndex, partitioned)
	key := CatchAllKey(dest)
	if partitioned {
		key = RoutingKey(spec.InstanceIndex)
	}

	layout.Queues = append(layout.Queues, broker.Queue{
		Name:       name,
		Durable:    dest.Durable,
		AutoDelete: dest.AutoDelete,
	})
	layout.Bindings = append(layout.Bindings, broker.Binding{
		Queue:    name,
		Exchange: dest.Name,
		Key:      key,
	})

	return layout, nil
}

// ConsumerQueue returns the queue name a consumer spec binds to.
func ConsumerQueue(dest Destination, spec ConsumerSpec) string {
	partitioned := spec.Partitioned && spec.InstanceCount > 1
	return QueueName(dest.Name, spec.Group, spec.InstanceIndex, partitioned)
}
