// Package publish appends validated envelopes to the partitioned log. Publish
// returns immediately; delivery is confirmed through the returned Ack future.
package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/ids"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
	"github.com/lineagehub/lineagehub/internal/hub/metrics"
	"github.com/lineagehub/lineagehub/internal/hub/namespace"
	"github.com/lineagehub/lineagehub/internal/hub/transport"
)

// Metadata keys stamped on every published message.
const (
	MetadataTenantNamespace = "tenant_namespace"
	MetadataPayloadKind     = "payload_kind"
	MetadataIngestedAt      = "ingested_at"
)

// Error is a failed publish. Permanent errors (oversized message, encode
// failure) are never retried; transient errors surface only after the retry
// budget is exhausted.
type Error struct {
	Topic     string
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("publish to %q: %s: %v", e.Topic, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Ack is the future resolved when a publish attempt completes.
type Ack struct {
	done chan struct{}
	err  error
}

func newAck() *Ack {
	return &Ack{done: make(chan struct{})}
}

func (a *Ack) complete(err error) {
	a.err = err
	close(a.done)
}

// Done returns a channel closed once the publish has succeeded or failed.
func (a *Ack) Done() <-chan struct{} { return a.done }

// Err returns the publish outcome. Valid only after Done is closed.
func (a *Ack) Err() error { return a.err }

// Wait blocks until the publish completes or the context is cancelled.
func (a *Ack) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func resolved(err error) *Ack {
	a := newAck()
	a.complete(err)
	return a
}

// Options tunes the retry behavior.
type Options struct {
	// MaxAttempts bounds the total publish attempts per envelope.
	MaxAttempts int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the backoff delay.
	MaxInterval time.Duration
	// AttemptTimeout bounds each individual publish attempt, distinct from
	// the overall retry budget.
	AttemptTimeout time.Duration
}

func (o Options) withDefaults() Options {
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
		o.AttemptTimeout = 10 * time.Second
	}
	return o
}

// Publisher wraps a transport publisher with deterministic envelope encoding,
// size admission, retry with backoff, and per-topic metrics.
type Publisher struct {
	pub     message.Publisher
	caps    transport.Capabilities
	logger  logging.ServiceLogger
	metrics *metrics.PublisherMetrics
	opts    Options

	wg sync.WaitGroup
}

// New creates a publisher over the given transport publisher.
func New(pub message.Publisher, caps transport.Capabilities, logger logging.ServiceLogger, pm *metrics.PublisherMetrics, opts Options) (*Publisher, error) {
	if pub == nil {
		return nil, hub.ErrPublisherRequired
	}
	if pm == nil {
		pm = metrics.NewPublisherMetrics(nil)
	}
	return &Publisher{
		pub:     pub,
		caps:    caps,
		logger:  logger,
		metrics: pm,
		opts:    opts.withDefaults(),
	}, nil
}

// Publish encodes the envelope and submits it to the log. It never blocks on
// broker round-trips: the returned Ack resolves asynchronously. Permanent
// failures (empty topic, encode error, message too large) resolve the Ack
// immediately without retry.
func (p *Publisher) Publish(ctx context.Context, decision namespace.RoutingDecision, env *event.Envelope) *Ack {
	if decision.Topic == "" {
		return resolved(&Error{Topic: decision.Topic, Permanent: true, Err: hub.ErrTopicRequired})
	}
	if env == nil {
		return resolved(&Error{Topic: decision.Topic, Permanent: true, Err: hub.ErrEnvelopeRequired})
	}

	payload, err := env.Encode()
	if err != nil {
		p.metrics.RecordFailure(decision.Topic, true)
		return resolved(&Error{Topic: decision.Topic, Permanent: true, Err: err})
	}

	if p.caps.MaxMessageSize > 0 && int64(len(payload)) > p.caps.MaxMessageSize {
		p.metrics.RecordFailure(decision.Topic, true)
		return resolved(&Error{
			Topic:     decision.Topic,
			Permanent: true,
			Err:       fmt.Errorf("message size %d exceeds transport limit %d", len(payload), p.caps.MaxMessageSize),
		})
	}

	msg := message.NewMessage(ids.CreateULID(), payload)
	msg.Metadata.Set(transport.MetadataPartitionKey, decision.PartitionKey)
	msg.Metadata.Set(MetadataTenantNamespace, env.TenantNamespace)
	msg.Metadata.Set(MetadataPayloadKind, string(env.PayloadKind))
	msg.Metadata.Set(MetadataIngestedAt, env.IngestedAt.Format(time.RFC3339Nano))

	ack := newAck()
	p.wg.Add(1)
	// Retries must outlive the caller: an HTTP request context is cancelled
	// the moment the handler returns, which would abort the retries of an
	// already accepted event. Per-attempt timeouts still bound each try.
	retryCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		ack.complete(p.publishWithRetry(retryCtx, decision.Topic, msg))
	}()

	return ack
}

func (p *Publisher) publishWithRetry(ctx context.Context, topic string, msg *message.Message) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			p.metrics.RecordRetry(topic)
		}

		err := p.publishOnce(ctx, topic, msg)
		if err != nil && p.logger != nil {
			p.logger.Debug("publish attempt failed", logging.LogFields{
				"topic":        topic,
				"message_uuid": msg.UUID,
				"attempt":      attempt,
				"error":        err.Error(),
			})
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.opts.InitialInterval
	bo.MaxInterval = p.opts.MaxInterval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)),
	)
	if err != nil {
		p.metrics.RecordFailure(topic, false)
		if p.logger != nil {
			p.logger.Error("publish failed after retries", err, logging.LogFields{
				"topic":        topic,
				"message_uuid": msg.UUID,
				"attempts":     attempt,
			})
		}
		return &Error{Topic: topic, Err: err}
	}

	p.metrics.RecordPublished(topic)
	return nil
}

// publishOnce bounds one publish attempt with the per-attempt timeout.
// Watermill publishers do not take a context, so the call runs in a goroutine
// and the attempt is abandoned on timeout; retry handles the rest.
func (p *Publisher) publishOnce(ctx context.Context, topic string, msg *message.Message) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
	defer cancel()

	msg.SetContext(attemptCtx)

	done := make(chan error, 1)
	go func() {
		done <- p.pub.Publish(topic, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		return attemptCtx.Err()
	}
}

// Close waits for all in-flight publishes to resolve. The underlying
// transport publisher is closed by its owner.
func (p *Publisher) Close() error {
	p.wg.Wait()
	return nil
}
