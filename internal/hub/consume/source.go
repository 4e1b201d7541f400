// Package consume implements the two consumption policies over the
// partitioned log: immediate per-record forwarding for lineage and
// count/time-windowed batching for telemetry.
package consume

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/lineagehub/lineagehub/internal/hub/logging"
)

// Record is one consumed payload plus its commit hook. Commit marks the
// record as processed; until then a crash causes redelivery (at-least-once).
type Record struct {
	Payload []byte
	Commit  func()
}

// Source delivers records from one topic. Unlike ack-per-message
// subscribers, a Source may have many uncommitted records in flight, which
// batching requires.
type Source interface {
	Consume(ctx context.Context, topic string) (<-chan Record, error)
	Close() error
}

// KafkaSource consumes through a sarama consumer group with manual offset
// marks. Commit marks the record's offset; the group's auto-commit makes
// marks durable shortly after, so offsets advance only past written batches.
type KafkaSource struct {
	group  sarama.ConsumerGroup
	logger logging.ServiceLogger
}

// GroupFactory allows overriding consumer group creation for testing.
var GroupFactory = sarama.NewConsumerGroup

// NewKafkaSource creates a source over a sarama consumer group.
func NewKafkaSource(brokers []string, groupID string, logger logging.ServiceLogger) (*KafkaSource, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	group, err := GroupFactory(brokers, groupID, cfg)
	if err != nil {
		return nil, err
	}

	return &KafkaSource{group: group, logger: logger}, nil
}

// Consume joins the consumer group for the topic. The returned channel closes
// when the context is cancelled.
func (s *KafkaSource) Consume(ctx context.Context, topic string) (<-chan Record, error) {
	out := make(chan Record)
	handler := &groupHandler{out: out}

	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil {
				return
			}
			// Consume returns on rebalance; rejoin until cancelled.
			if err := s.group.Consume(ctx, []string{topic}, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				if s.logger != nil {
					s.logger.Error("consumer group session failed", err, logging.LogFields{
						"topic": topic,
					})
				}
				time.Sleep(time.Second)
			}
		}
	}()

	return out, nil
}

// Close leaves the consumer group.
func (s *KafkaSource) Close() error {
	return s.group.Close()
}

type groupHandler struct {
	out chan<- Record
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		m := msg
		rec := Record{
			Payload: m.Value,
			Commit: func() {
				session.MarkMessage(m, "")
			},
		}
		select {
		case h.out <- rec:
		case <-session.Context().Done():
			return nil
		}
	}
	return nil
}

// SubscriberSource adapts a watermill subscriber to the Source interface.
// Most watermill subscribers withhold message N+1 until N is acked, which
// starves a batching consumer; only subscribers whose transport reports
// SupportsBatchCommit (gochannel buffers deliveries independently of acks)
// can feed one.
type SubscriberSource struct {
	sub message.Subscriber
}

// NewSubscriberSource wraps an existing subscriber. The subscriber's
// lifecycle stays with its owner.
func NewSubscriberSource(sub message.Subscriber) *SubscriberSource {
	return &SubscriberSource{sub: sub}
}

// Consume subscribes to the topic and forwards messages as records.
func (s *SubscriberSource) Consume(ctx context.Context, topic string) (<-chan Record, error) {
	msgs, err := s.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Record)
	go func() {
		defer close(out)
		for msg := range msgs {
			m := msg
			rec := Record{
				Payload: m.Payload,
				Commit: func() {
					m.Ack()
				},
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				m.Nack()
				return
			}
		}
	}()

	return out, nil
}

// Close is a no-op; the wrapped subscriber is closed by its owner.
func (s *SubscriberSource) Close() error { return nil }
