package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredefinedCapabilities(t *testing.T) {
	assert.Equal(t, "kafka", KafkaCapabilities.Name)
	assert.True(t, KafkaCapabilities.SupportsOrdering)
	assert.True(t, KafkaCapabilities.SupportsPartitioning)
	assert.True(t, KafkaCapabilities.SupportsBatchCommit)
	assert.Equal(t, int64(1048576), KafkaCapabilities.MaxMessageSize)

	assert.Equal(t, "channel", ChannelCapabilities.Name)
	assert.True(t, ChannelCapabilities.SupportsAck)
	assert.False(t, ChannelCapabilities.SupportsPartitioning)
	assert.True(t, ChannelCapabilities.SupportsBatchCommit)
	assert.Zero(t, ChannelCapabilities.MaxMessageSize)

	assert.Equal(t, "rabbitmq", RabbitMQCapabilities.Name)
	assert.Equal(t, "nats-jetstream", NATSJetStreamCapabilities.Name)

	assert.Equal(t, "aws", AWSCapabilities.Name)
	assert.Equal(t, int64(262144), AWSCapabilities.MaxMessageSize)

	// Ack-serialized transports cannot hold a batch of uncommitted records.
	assert.False(t, RabbitMQCapabilities.SupportsBatchCommit)
	assert.False(t, NATSJetStreamCapabilities.SupportsBatchCommit)
	assert.False(t, AWSCapabilities.SupportsBatchCommit)
}

func TestSupportsReliableDelivery(t *testing.T) {
	assert.True(t, KafkaCapabilities.SupportsReliableDelivery())
	assert.True(t, ChannelCapabilities.SupportsReliableDelivery())
	assert.False(t, Capabilities{}.SupportsReliableDelivery())
}
