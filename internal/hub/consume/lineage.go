package consume

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
	"github.com/lineagehub/lineagehub/internal/hub/metrics"
	"github.com/lineagehub/lineagehub/internal/hub/store"
)

// RetryOptions tunes downstream retry behavior for consumers.
type RetryOptions struct {
	// MaxAttempts bounds total attempts per record or batch.
	MaxAttempts int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
	// AttemptTimeout bounds each downstream call, distinct from the overall
	// retry budget.
	AttemptTimeout time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 100 * time.Millisecond
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 10 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	return o
}

// LineageForwarder accepts one lineage event downstream.
type LineageForwarder interface {
	SendLineageEvent(ctx context.Context, ev *event.LineageEvent) error
}

// LineageConsumerOptions configures the lineage consumer.
type LineageConsumerOptions struct {
	Topic string
	Retry RetryOptions
}

// LineageConsumer forwards each lineage record individually and immediately,
// preserving per-run submission order within a partition. Offsets are acked
// only after confirmed downstream acceptance; records that exhaust their
// retries are dead-lettered and acked anyway so the partition keeps moving.
type LineageConsumer struct {
	sub        message.Subscriber
	forwarder  LineageForwarder
	deadLetter *store.DeadLetter
	logger     logging.ServiceLogger
	metrics    *metrics.ConsumerMetrics
	opts       LineageConsumerOptions
}

// NewLineageConsumer creates the consumer over a watermill subscription.
func NewLineageConsumer(sub message.Subscriber, forwarder LineageForwarder, deadLetter *store.DeadLetter, cm *metrics.ConsumerMetrics, logger logging.ServiceLogger, opts LineageConsumerOptions) (*LineageConsumer, error) {
	if sub == nil {
		return nil, hub.ErrSourceRequired
	}
	if forwarder == nil {
		return nil, hub.ErrStoreRequired
	}
	if opts.Topic == "" {
		return nil, hub.ErrTopicRequired
	}
	if cm == nil {
		cm = metrics.NewConsumerMetrics(nil)
	}
	opts.Retry = opts.Retry.withDefaults()
	return &LineageConsumer{
		sub:        sub,
		forwarder:  forwarder,
		deadLetter: deadLetter,
		logger:     logger,
		metrics:    cm,
		opts:       opts,
	}, nil
}

// Run consumes the lineage topic until the context is cancelled. The
// in-flight record is finished before returning.
func (c *LineageConsumer) Run(ctx context.Context) error {
	msgs, err := c.sub.Subscribe(ctx, c.opts.Topic)
	if err != nil {
		return err
	}

	if c.logger != nil {
		c.logger.Info("lineage consumer started", logging.LogFields{"topic": c.opts.Topic})
	}

	for msg := range msgs {
		c.process(ctx, msg)
	}

	if c.logger != nil {
		c.logger.Info("lineage consumer stopped", logging.LogFields{"topic": c.opts.Topic})
	}
	return ctx.Err()
}

func (c *LineageConsumer) process(ctx context.Context, msg *message.Message) {
	env, err := event.DecodeEnvelope(msg.Payload)
	if err != nil {
		c.rejectRaw(ctx, msg, err)
		return
	}

	ev, err := env.DecodeLineage()
	if err != nil {
		c.reject(ctx, msg, env, "decode_failed", err, 1)
		return
	}

	attempts, err := c.forwardWithRetry(ctx, ev)
	if err != nil {
		// Shutdown is not a forward failure: leave the record unacked so it
		// redelivers on restart instead of dead-lettering a healthy record.
		if ctx.Err() != nil {
			msg.Nack()
			return
		}
		c.reject(ctx, msg, env, "forward_failed", err, attempts)
		return
	}

	c.metrics.RecordForwarded(c.opts.Topic, "forwarded")
	// Offset commit happens only after confirmed downstream acceptance.
	msg.Ack()
}

// rejectRaw dead-letters a record that could not be decoded into an envelope.
// If the dead-letter append itself fails, the record is nacked for redelivery
// rather than acked without any durable trace.
func (c *LineageConsumer) rejectRaw(ctx context.Context, msg *message.Message, cause error) {
	if c.deadLetter != nil {
		if err := c.deadLetter.SendRaw(ctx, c.opts.Topic, msg.Payload, "decode_failed", cause); err != nil {
			if c.logger != nil {
				c.logger.Error("dead-letter append failed", err, logging.LogFields{"topic": c.opts.Topic})
			}
			msg.Nack()
			return
		}
	}
	c.metrics.RecordForwarded(c.opts.Topic, "dead_lettered")
	msg.Ack()
}

// reject dead-letters a record and acks it anyway: liveness over
// completeness. A failed dead-letter append nacks instead, so the record
// redelivers rather than vanishing.
func (c *LineageConsumer) reject(ctx context.Context, msg *message.Message, env *event.Envelope, reason string, cause error, attempts int) {
	if c.deadLetter != nil {
		if err := c.deadLetter.Send(ctx, c.opts.Topic, env, reason, cause, attempts); err != nil {
			if c.logger != nil {
				c.logger.Error("dead-letter append failed", err, logging.LogFields{"topic": c.opts.Topic})
			}
			msg.Nack()
			return
		}
	}
	c.metrics.RecordForwarded(c.opts.Topic, "dead_lettered")
	msg.Ack()
}

// forwardWithRetry issues the single synchronous forward call, retrying
// transient failures. Non-transient responses (4xx) stop the retry early.
func (c *LineageConsumer) forwardWithRetry(ctx context.Context, ev *event.LineageEvent) (int, error) {
	attempts := 0
	operation := func() (struct{}, error) {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Retry.AttemptTimeout)
		defer cancel()

		err := c.forwarder.SendLineageEvent(attemptCtx, ev)
		if err == nil {
			return struct{}{}, nil
		}

		var ferr *store.ForwardError
		if errors.As(err, &ferr) && !ferr.Transient() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.Retry.InitialInterval
	bo.MaxInterval = c.opts.Retry.MaxInterval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.opts.Retry.MaxAttempts)),
	)
	return attempts, err
}
