package transport

// Capabilities describes the features supported by a transport backend.
// The publisher uses MaxMessageSize to reject oversized envelopes before
// they hit the wire, and consumers use the ack flags to decide how offsets
// are committed.
type Capabilities struct {
	// SupportsOrdering indicates messages within a partition/stream are
	// delivered in publish order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment
	// (redelivery).
	SupportsNack bool

	// SupportsPartitioning indicates the transport routes messages to
	// partitions by key.
	SupportsPartitioning bool

	// SupportsBatchCommit indicates consumers can commit a range of
	// delivered messages at once instead of acking each in turn.
	SupportsBatchCommit bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports
// at-least-once delivery semantics.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck
}

// Predefined capability sets for the supported transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport. Delivery
	// comes off a buffered output channel, so acks do not gate the next
	// message and many uncommitted records can be in flight.
	ChannelCapabilities = Capabilities{
		Name:                "channel",
		SupportsOrdering:    true,
		SupportsAck:         true,
		SupportsNack:        true,
		SupportsBatchCommit: true,
	}

	// KafkaCapabilities for the Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsNack:         false,
		SupportsPartitioning: true,
		SupportsBatchCommit:  true,
		MaxMessageSize:       1048576,
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// NATSJetStreamCapabilities for the NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1048576,
	}

	// AWSCapabilities for the AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}
)
