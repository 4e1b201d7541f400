package consume

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
	"github.com/lineagehub/lineagehub/internal/hub/metrics"
	"github.com/lineagehub/lineagehub/internal/hub/store"
)

// StreamOptions configures one batching stream.
type StreamOptions struct {
	Topic string
	// MaxCount flushes the batch when it reaches this many records.
	MaxCount int
	// MaxAge flushes the batch when its oldest record exceeds this age.
	MaxAge time.Duration
	// FlushInterval is how often the age trigger is checked, independent of
	// message arrival.
	FlushInterval time.Duration
	Retry         RetryOptions
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.MaxCount <= 0 {
		o.MaxCount = 100
	}
	if o.MaxAge <= 0 {
		o.MaxAge = 30 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

type batchItem[T any] struct {
	row    T
	env    *event.Envelope
	commit func()
}

// Stream consumes one telemetry topic, accumulating records into a batch
// bounded by count and age, and bulk-writing each batch as a unit. Commits
// happen only after a successful write (or after dead-lettering), so a crash
// mid-batch redelivers the whole batch.
type Stream[T any] struct {
	source     Source
	row        func(*event.Envelope) (T, error)
	write      func(context.Context, []T) error
	deadLetter *store.DeadLetter
	logger     logging.ServiceLogger
	metrics    *metrics.ConsumerMetrics
	opts       StreamOptions
	now        func() time.Time

	batch  []batchItem[T]
	oldest time.Time
}

// NewStream creates a batching stream. row transforms a decoded envelope to
// the store's row shape; write bulk-writes one batch.
func NewStream[T any](source Source, row func(*event.Envelope) (T, error), write func(context.Context, []T) error, deadLetter *store.DeadLetter, cm *metrics.ConsumerMetrics, logger logging.ServiceLogger, opts StreamOptions) (*Stream[T], error) {
	if source == nil {
		return nil, hub.ErrSourceRequired
	}
	if write == nil {
		return nil, hub.ErrStoreRequired
	}
	if opts.Topic == "" {
		return nil, hub.ErrTopicRequired
	}
	if cm == nil {
		cm = metrics.NewConsumerMetrics(nil)
	}
	return &Stream[T]{
		source:     source,
		row:        row,
		write:      write,
		deadLetter: deadLetter,
		logger:     logger,
		metrics:    cm,
		opts:       opts.withDefaults(),
		now:        time.Now,
	}, nil
}

// Run consumes the topic until the context is cancelled, then performs a
// final flush of the partial batch.
func (s *Stream[T]) Run(ctx context.Context) error {
	records, err := s.source.Consume(ctx, s.opts.Topic)
	if err != nil {
		return err
	}

	if s.logger != nil {
		s.logger.Info("telemetry stream started", logging.LogFields{
			"topic":     s.opts.Topic,
			"max_count": s.opts.MaxCount,
			"max_age":   s.opts.MaxAge.String(),
		})
	}

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				s.finalFlush(ctx)
				return ctx.Err()
			}
			s.append(ctx, rec)
			if len(s.batch) >= s.opts.MaxCount {
				s.flush(ctx, "count")
			}
		case <-ticker.C:
			if len(s.batch) > 0 && s.now().Sub(s.oldest) >= s.opts.MaxAge {
				s.flush(ctx, "age")
			}
		case <-ctx.Done():
			s.finalFlush(ctx)
			return ctx.Err()
		}
	}
}

func (s *Stream[T]) append(ctx context.Context, rec Record) {
	env, err := event.DecodeEnvelope(rec.Payload)
	if err != nil {
		s.rejectRecord(ctx, rec, nil, err)
		return
	}

	row, err := s.row(env)
	if err != nil {
		s.rejectRecord(ctx, rec, env, err)
		return
	}

	if len(s.batch) == 0 {
		s.oldest = s.now()
	}
	s.batch = append(s.batch, batchItem[T]{row: row, env: env, commit: rec.Commit})
}

// rejectRecord dead-letters an undecodable record and commits it so it is
// not redelivered forever. If the dead-letter append fails, the record stays
// uncommitted so it redelivers instead of vanishing.
func (s *Stream[T]) rejectRecord(ctx context.Context, rec Record, env *event.Envelope, cause error) {
	if s.deadLetter != nil {
		var err error
		if env != nil {
			err = s.deadLetter.Send(ctx, s.opts.Topic, env, "decode_failed", cause, 1)
		} else {
			err = s.deadLetter.SendRaw(ctx, s.opts.Topic, rec.Payload, "decode_failed", cause)
		}
		if err != nil {
			if s.logger != nil {
				s.logger.Error("dead-letter append failed", err, logging.LogFields{"topic": s.opts.Topic})
			}
			return
		}
	}
	s.metrics.RecordForwarded(s.opts.Topic, "dead_lettered")
	if rec.Commit != nil {
		rec.Commit()
	}
}

// finalFlush writes the partial batch during shutdown on a fresh timeout, so
// cancellation does not abort the write mid-flight.
func (s *Stream[T]) finalFlush(ctx context.Context) {
	if len(s.batch) == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Retry.AttemptTimeout)
	defer cancel()
	s.flush(flushCtx, "shutdown")
}

func (s *Stream[T]) flush(ctx context.Context, trigger string) {
	if len(s.batch) == 0 {
		return
	}

	rows := make([]T, len(s.batch))
	for i, item := range s.batch {
		rows[i] = item.row
	}

	start := s.now()
	attempts, err := s.writeWithRetry(ctx, rows)
	elapsed := s.now().Sub(start)

	if err != nil {
		// Cancellation mid-write is not a store failure: keep the batch
		// uncommitted so the shutdown flush retries it on a detached context,
		// or redelivery picks it up on restart.
		if ctx.Err() != nil {
			return
		}
		// Exhausted retries: dead-letter the whole batch, then commit
		// anyway. Liveness over completeness. A record whose dead-letter
		// append fails stays uncommitted so it redelivers instead of
		// vanishing without a durable trace.
		for i := range s.batch {
			item := &s.batch[i]
			if s.deadLetter != nil {
				if dlErr := s.deadLetter.Send(ctx, s.opts.Topic, item.env, "bulk_write_failed", err, attempts); dlErr != nil {
					if s.logger != nil {
						s.logger.Error("dead-letter append failed", dlErr, logging.LogFields{"topic": s.opts.Topic})
					}
					item.commit = nil
					continue
				}
			}
			s.metrics.RecordForwarded(s.opts.Topic, "dead_lettered")
		}
		if s.logger != nil {
			s.logger.Error("batch flush failed", err, logging.LogFields{
				"topic":    s.opts.Topic,
				"size":     len(s.batch),
				"attempts": attempts,
			})
		}
	} else {
		for range s.batch {
			s.metrics.RecordForwarded(s.opts.Topic, "forwarded")
		}
		if s.logger != nil {
			s.logger.Debug("batch flushed", logging.LogFields{
				"topic":   s.opts.Topic,
				"size":    len(s.batch),
				"trigger": trigger,
			})
		}
	}

	// Commit every record in the batch, in both outcomes.
	for _, item := range s.batch {
		if item.commit != nil {
			item.commit()
		}
	}

	s.metrics.RecordFlush(s.opts.Topic, trigger, len(s.batch), elapsed.Seconds())
	s.batch = nil
	s.oldest = time.Time{}
}

// writeWithRetry issues the bulk write, retrying transient failures.
func (s *Stream[T]) writeWithRetry(ctx context.Context, rows []T) (int, error) {
	attempts := 0
	operation := func() (struct{}, error) {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.Retry.AttemptTimeout)
		defer cancel()

		err := s.write(attemptCtx, rows)
		if err == nil {
			return struct{}{}, nil
		}

		var werr *store.BulkWriteError
		if errors.As(err, &werr) && !werr.Transient() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.Retry.InitialInterval
	bo.MaxInterval = s.opts.Retry.MaxInterval

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.opts.Retry.MaxAttempts)),
	)
	return attempts, err
}

// NewSpanStream creates the spans stream writing to the telemetry store.
func NewSpanStream(source Source, ch *store.ClickHouseClient, deadLetter *store.DeadLetter, cm *metrics.ConsumerMetrics, logger logging.ServiceLogger, opts StreamOptions) (*Stream[store.SpanRow], error) {
	if ch == nil {
		return nil, hub.ErrStoreRequired
	}
	return NewStream(source, store.SpanRowFromEnvelope, ch.InsertSpans, deadLetter, cm, logger, opts)
}

// NewMetricStream creates the metrics stream writing to the telemetry store.
func NewMetricStream(source Source, ch *store.ClickHouseClient, deadLetter *store.DeadLetter, cm *metrics.ConsumerMetrics, logger logging.ServiceLogger, opts StreamOptions) (*Stream[store.MetricRow], error) {
	if ch == nil {
		return nil, hub.ErrStoreRequired
	}
	return NewStream(source, store.MetricRowFromEnvelope, ch.InsertMetrics, deadLetter, cm, logger, opts)
}

// TelemetryConsumer runs the spans and metrics streams as two independent
// loops; a slow flush on one never stalls the other.
type TelemetryConsumer struct {
	spans   *Stream[store.SpanRow]
	metrics *Stream[store.MetricRow]
}

// NewTelemetryConsumer combines the two streams into one runnable consumer.
func NewTelemetryConsumer(spans *Stream[store.SpanRow], metricStream *Stream[store.MetricRow]) (*TelemetryConsumer, error) {
	if spans == nil || metricStream == nil {
		return nil, hub.ErrSourceRequired
	}
	return &TelemetryConsumer{spans: spans, metrics: metricStream}, nil
}

// Run blocks until both streams exit.
func (c *TelemetryConsumer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.spans.Run(ctx) })
	g.Go(func() error { return c.metrics.Run(ctx) })
	return g.Wait()
}
