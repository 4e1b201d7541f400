package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/ids"
	"github.com/lineagehub/lineagehub/internal/hub/jsoncodec"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
	"github.com/lineagehub/lineagehub/internal/hub/metrics"
)

// DeadLetterEntry is the record appended to the dead-letter topic when a
// consumer exhausts its retries.
type DeadLetterEntry struct {
	OriginalTopic string          `json:"original_topic"`
	FailureReason string          `json:"failure_reason"`
	AttemptCount  int             `json:"attempt_count"`
	FailedAt      time.Time       `json:"failed_at"`
	Envelope      *event.Envelope `json:"envelope,omitempty"`
	// RawPayload preserves records that could not even be decoded into an
	// envelope.
	RawPayload []byte `json:"raw_payload,omitempty"`
}

// DeadLetter appends failed records to the dead-letter topic through the
// shared log, so they stay durable and inspectable.
type DeadLetter struct {
	pub     message.Publisher
	topic   string
	metrics *metrics.DeadLetterMetrics
	logger  logging.ServiceLogger
	now     func() time.Time
}

// NewDeadLetter creates a dead-letter sink publishing to the given topic.
func NewDeadLetter(pub message.Publisher, topic string, dm *metrics.DeadLetterMetrics, logger logging.ServiceLogger) (*DeadLetter, error) {
	if pub == nil {
		return nil, hub.ErrPublisherRequired
	}
	if topic == "" {
		return nil, hub.ErrTopicRequired
	}
	if dm == nil {
		dm = metrics.NewDeadLetterMetrics(nil)
	}
	return &DeadLetter{
		pub:     pub,
		topic:   topic,
		metrics: dm,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Send appends one failed envelope. The reason label should be a short,
// low-cardinality code; the cause carries the full error text.
func (d *DeadLetter) Send(ctx context.Context, originalTopic string, env *event.Envelope, reason string, cause error, attempts int) error {
	entry := DeadLetterEntry{
		OriginalTopic: originalTopic,
		FailureReason: causeText(cause),
		AttemptCount:  attempts,
		FailedAt:      d.now().UTC(),
		Envelope:      env,
	}

	age := time.Duration(0)
	if env != nil && !env.IngestedAt.IsZero() {
		age = entry.FailedAt.Sub(env.IngestedAt)
	}

	return d.send(ctx, originalTopic, entry, reason, attempts, age)
}

// SendRaw appends a record that could not be decoded into an envelope.
func (d *DeadLetter) SendRaw(ctx context.Context, originalTopic string, payload []byte, reason string, cause error) error {
	entry := DeadLetterEntry{
		OriginalTopic: originalTopic,
		FailureReason: causeText(cause),
		AttemptCount:  1,
		FailedAt:      d.now().UTC(),
		RawPayload:    payload,
	}
	return d.send(ctx, originalTopic, entry, reason, 1, 0)
}

func (d *DeadLetter) send(ctx context.Context, originalTopic string, entry DeadLetterEntry, reason string, attempts int, age time.Duration) error {
	payload, err := jsoncodec.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode dead-letter entry: %w", err)
	}

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set("original_topic", originalTopic)
	msg.Metadata.Set("reason", reason)
	msg.SetContext(ctx)

	if err := d.pub.Publish(d.topic, msg); err != nil {
		if d.logger != nil {
			d.logger.Error("dead-letter publish failed", err, logging.LogFields{
				"original_topic": originalTopic,
				"reason":         reason,
			})
		}
		return fmt.Errorf("publish dead-letter entry: %w", err)
	}

	d.metrics.RecordDeadLettered(originalTopic, reason, attempts, age)
	if d.logger != nil {
		d.logger.Info("record dead-lettered", logging.LogFields{
			"original_topic": originalTopic,
			"reason":         reason,
			"attempts":       attempts,
		})
	}
	return nil
}

func causeText(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
