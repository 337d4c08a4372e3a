// Package kafka provides a bifrost broker client for brokers that
// natively understand partitioning.
//
// The binder core emulates partitioning on AMQP with per-partition
// queues and routing keys; here the same layout maps directly onto the
// broker's own partition model: declaring an exchange creates a topic
// with the layout's partition count, queue and binding declarations are
// no-ops, publishes carry the routed index as the physical partition,
// and a consumer binds one partition of the topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/IBM/sarama"

	"github.com/ciaranRoche/bifrost-go/broker"
)

// Header names used to carry binder metadata on records, since the wire
// format has no content-encoding or correlation fields of its own.
const (
	HeaderContentType     = "contentType"
	HeaderContentEncoding = "contentEncoding"
	HeaderCorrelationID   = "correlationId"
)

// Client implements broker.Client over sarama.
type Client struct {
	role   broker.Role
	client sarama.Client

	mu       sync.Mutex
	producer sarama.SyncProducer
	consumer sarama.Consumer
	admin    sarama.ClusterAdmin

	wg     sync.WaitGroup
	done   chan struct{}
	closed bool
}

// NewClient connects to the brokers listed in the profile. It is the
// registered broker.Factory for "kafka".
func NewClient(role broker.Role, profile *broker.Profile) (broker.Client, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}

	cfg, err := saramaConfig(profile)
	if err != nil {
		return nil, err
	}

	client, err := sarama.NewClient(profile.Addresses, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to brokers: %w", err)
	}

	log.Printf("Kafka Client: Connected (%s role, brokers: %v)", role, profile.Addresses)

	return &Client{
		role:   role,
		client: client,
		done:   make(chan struct{}),
	}, nil
}

// saramaConfig maps the connection profile onto the wire client's
// config. Publishing uses a manual partitioner: the partition router has
// already decided placement, and the broker must not re-hash it.
func saramaConfig(profile *broker.Profile) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0

	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = sarama.NewManualPartitioner

	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	if profile.DialTimeout > 0 {
		cfg.Net.DialTimeout = profile.DialTimeout
	}

	if profile.Username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = profile.Username
		cfg.Net.SASL.Password = profile.Password
	}

	if profile.TLS.Enabled {
		tlsCfg, err := profile.TLS.Build()
		if err != nil {
			return nil, err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tlsCfg
	}

	return cfg, nil
}

// DeclareExchange implements broker.Client by creating the topic with
// the layout's partition count. A topic that already exists is success:
// the broker arbitrates duplicate declarations.
func (c *Client) DeclareExchange(ctx context.Context, ex broker.Exchange) error {
	admin, err := c.clusterAdmin()
	if err != nil {
		return err
	}

	partitions := int32(ex.Partitions)
	if partitions < 1 {
		partitions = 1
	}

	err = admin.CreateTopic(ex.Name, &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}, false)

	if err != nil && !isTopicExists(err) {
		return err
	}

	return nil
}

func isTopicExists(err error) bool {
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) {
		return topicErr.Err == sarama.ErrTopicAlreadyExists
	}
	return errors.Is(err, sarama.ErrTopicAlreadyExists)
}

// DeclareQueue implements broker.Client. Queues have no physical
// counterpart here: a partition is addressed directly on its topic.
func (c *Client) DeclareQueue(ctx context.Context, q broker.Queue) error {
	return nil
}

// BindQueue implements broker.Client. Bindings have no physical
// counterpart here.
func (c *Client) BindQueue(ctx context.Context, b broker.Binding) error {
	return nil
}

// Publish implements broker.Client. A numeric routing key is the routed
// partition index and addresses that partition directly; any other key
// (the unpartitioned case) lands on partition 0.
func (c *Client) Publish(ctx context.Context, exchange string, msg *broker.Message) error {
	producer, err := c.syncProducer()
	if err != nil {
		return err
	}

	partition, perr := strconv.Atoi(msg.RoutingKey)
	if perr != nil || partition < 0 {
		partition = 0
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(fmt.Sprintf("%v", v)),
		})
	}
	if msg.ContentType != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderContentType), Value: []byte(msg.ContentType)})
	}
	if msg.ContentEncoding != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderContentEncoding), Value: []byte(msg.ContentEncoding)})
	}
	if msg.CorrelationID != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderCorrelationID), Value: []byte(msg.CorrelationID)})
	}

	_, _, err = producer.SendMessage(&sarama.ProducerMessage{
		Topic:     exchange,
		Partition: int32(partition),
		Value:     sarama.ByteEncoder(msg.Body),
		Headers:   headers,
	})
	if err != nil {
		if errors.Is(err, sarama.ErrOutOfBrokers) || errors.Is(err, sarama.ErrClosedClient) {
			return &broker.ConnectionLostError{Err: err}
		}
		return err
	}

	return nil
}

// Consume implements broker.Client by binding the subscription's single
// partition from the newest offset. Consumption is at-most-once: offsets
// are not committed, a handler failure is logged without redelivery, and
// a restarted consumer resumes from the tail of the partition.
func (c *Client) Consume(ctx context.Context, sub broker.Subscription, handler broker.DeliveryHandler) error {
	consumer, err := c.partitionConsumer()
	if err != nil {
		return err
	}

	partition := int32(sub.Partition)
	if partition < 0 {
		partition = 0
	}

	pc, err := consumer.ConsumePartition(sub.Queue, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition %d of %s: %w", partition, sub.Queue, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { _ = pc.Close() }()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case m, ok := <-pc.Messages():
				if !ok {
					return
				}
				c.handleRecord(ctx, sub, m, handler)
			case cerr, ok := <-pc.Errors():
				if !ok {
					return
				}
				log.Printf("Kafka Client: Consumer error on %s/%d: %v", sub.Queue, partition, cerr.Err)
			}
		}
	}()

	log.Printf("Kafka Client: Consuming %s partition %d", sub.Queue, partition)

	return nil
}

func (c *Client) handleRecord(ctx context.Context, sub broker.Subscription, m *sarama.ConsumerMessage, handler broker.DeliveryHandler) {
	headers := make(map[string]interface{}, len(m.Headers))
	var contentType, contentEncoding, correlationID string
	for _, h := range m.Headers {
		switch string(h.Key) {
		case HeaderContentType:
			contentType = string(h.Value)
		case HeaderContentEncoding:
			contentEncoding = string(h.Value)
		case HeaderCorrelationID:
			correlationID = string(h.Value)
		default:
			headers[string(h.Key)] = string(h.Value)
		}
	}

	delivery := &broker.Delivery{
		Body:            m.Value,
		Headers:         headers,
		RoutingKey:      strconv.Itoa(int(m.Partition)),
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		CorrelationID:   correlationID,
		Queue:           m.Topic,
		Partition:       int(m.Partition),
	}

	if err := handler(ctx, delivery); err != nil {
		log.Printf("Kafka Client: Handler error on %s/%d offset %d: %v", m.Topic, m.Partition, m.Offset, err)
	}
}

// HealthCheck implements broker.Client.
func (c *Client) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return broker.ErrClosed
	}
	if len(c.client.Brokers()) == 0 {
		return &broker.ConnectionLostError{Err: sarama.ErrOutOfBrokers}
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
	producer := c.producer
	consumer := c.consumer
	admin := c.admin
	c.mu.Unlock()

	c.wg.Wait()

	var errs []error
	if producer != nil {
		if err := producer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
		}
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer: %w", err))
		}
	}
	if admin != nil {
		if err := admin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close cluster admin: %w", err))
		}
	} else if err := c.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close client: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	log.Printf("Kafka Client: Closed (%s role)", c.role)

	return nil
}

// syncProducer lazily builds the shared producer.
func (c *Client) syncProducer() (sarama.SyncProducer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, broker.ErrClosed
	}
	if c.producer != nil {
		return c.producer, nil
	}

	producer, err := sarama.NewSyncProducerFromClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	c.producer = producer
	return producer, nil
}

// partitionConsumer lazily builds the shared consumer.
func (c *Client) partitionConsumer() (sarama.Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, broker.ErrClosed
	}
	if c.consumer != nil {
		return c.consumer, nil
	}

	consumer, err := sarama.NewConsumerFromClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	c.consumer = consumer
	return consumer, nil
}

// clusterAdmin lazily builds the shared admin.
func (c *Client) clusterAdmin() (sarama.ClusterAdmin, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, broker.ErrClosed
	}
	if c.admin != nil {
		return c.admin, nil
	}

	admin, err := sarama.NewClusterAdminFromClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster admin: %w", err)
	}
	c.admin = admin
	return admin, nil
}

// init registers the kafka client.
func init() {
	broker.Register("kafka", NewClient)
}
