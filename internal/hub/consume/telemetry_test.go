package consume

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/jsoncodec"
	"github.com/lineagehub/lineagehub/internal/hub/store"
)

const spanPayload = `{
	"traceId": "0af7651916cd43dd8448eb211c80319c",
	"spanId": "b7ad6b7169203331",
	"serviceName": "orders-api",
	"operationName": "GET /orders",
	"startTime": "2026-01-10T12:00:00Z",
	"durationNs": 1500000
}`

const metricPayload = `{
	"metricName": "http_requests_total",
	"metricType": "counter",
	"value": 42,
	"timestamp": "2026-01-10T12:00:00Z",
	"serviceName": "orders-api"
}`

// fakeSource hands out records from a plain channel.
type fakeSource struct {
	records chan Record
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: make(chan Record, 256)}
}

func (s *fakeSource) Consume(context.Context, string) (<-chan Record, error) {
	return s.records, nil
}

func (s *fakeSource) Close() error {
	close(s.records)
	return nil
}

// spanWriter records batches and fails the first failures calls.
type spanWriter struct {
	mu       sync.Mutex
	batches  [][]store.SpanRow
	failures int
	failWith error
	calls    int
}

func (w *spanWriter) write(_ context.Context, rows []store.SpanRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return w.failWith
	}
	w.batches = append(w.batches, append([]store.SpanRow(nil), rows...))
	return nil
}

func (w *spanWriter) written() [][]store.SpanRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]store.SpanRow(nil), w.batches...)
}

func (w *spanWriter) callCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

type commitLog struct {
	mu sync.Mutex
	n  int
}

func (c *commitLog) bump() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *commitLog) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func spanRecord(t *testing.T, key string, commits *commitLog) Record {
	t.Helper()
	env := event.NewEnvelope("team-a", event.KindSpan, key, []byte(spanPayload), time.Now().UTC())
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return Record{Payload: encoded, Commit: commits.bump}
}

func metricRecord(t *testing.T, key string, commits *commitLog) Record {
	t.Helper()
	env := event.NewEnvelope("team-a", event.KindMetric, key, []byte(metricPayload), time.Now().UTC())
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return Record{Payload: encoded, Commit: commits.bump}
}

func newSpanTestStream(t *testing.T, source Source, writer *spanWriter, deadLetter *store.DeadLetter, opts StreamOptions) *Stream[store.SpanRow] {
	t.Helper()
	s, err := NewStream(source, store.SpanRowFromEnvelope, writer.write, deadLetter, nil, nil, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return s
}

func TestStreamFlushesOnCount(t *testing.T) {
	source := newFakeSource()
	writer := &spanWriter{}
	commits := &commitLog{}

	s := newSpanTestStream(t, source, writer, nil, StreamOptions{
		Topic:         "otel-spans",
		MaxCount:      3,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		Retry:         fastRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	source.records <- spanRecord(t, "t1", commits)
	source.records <- spanRecord(t, "t2", commits)

	// Below the count threshold nothing is written or committed.
	time.Sleep(50 * time.Millisecond)
	if len(writer.written()) != 0 {
		t.Fatal("batch flushed before reaching the count threshold")
	}
	if commits.count() != 0 {
		t.Fatalf("records committed before flush: %d", commits.count())
	}

	source.records <- spanRecord(t, "t3", commits)

	waitFor(t, "count flush", func() bool { return len(writer.written()) == 1 })
	if got := len(writer.written()[0]); got != 3 {
		t.Fatalf("expected batch of 3, got %d", got)
	}
	waitFor(t, "commits", func() bool { return commits.count() == 3 })
}

func TestStreamFlushesOnAge(t *testing.T) {
	source := newFakeSource()
	writer := &spanWriter{}
	commits := &commitLog{}

	s := newSpanTestStream(t, source, writer, nil, StreamOptions{
		Topic:         "otel-spans",
		MaxCount:      100,
		MaxAge:        30 * time.Millisecond,
		FlushInterval: 10 * time.Millisecond,
		Retry:         fastRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	source.records <- spanRecord(t, "t1", commits)
	source.records <- spanRecord(t, "t2", commits)

	waitFor(t, "age flush", func() bool { return len(writer.written()) == 1 })
	if got := len(writer.written()[0]); got != 2 {
		t.Fatalf("expected batch of 2, got %d", got)
	}
	waitFor(t, "commits", func() bool { return commits.count() == 2 })
}

func TestStreamFinalFlushOnShutdown(t *testing.T) {
	source := newFakeSource()
	writer := &spanWriter{}
	commits := &commitLog{}

	s := newSpanTestStream(t, source, writer, nil, StreamOptions{
		Topic:         "otel-spans",
		MaxCount:      100,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		Retry:         fastRetry(),
	})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	source.records <- spanRecord(t, "t1", commits)
	source.records <- spanRecord(t, "t2", commits)

	// Closing the source drains the partial batch before Run returns.
	source.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}

	if len(writer.written()) != 1 || len(writer.written()[0]) != 2 {
		t.Fatalf("expected final flush of 2 records, got %v", writer.written())
	}
	if commits.count() != 2 {
		t.Fatalf("expected 2 commits, got %d", commits.count())
	}
}

func TestStreamRetriesTransientWriteFailure(t *testing.T) {
	source := newFakeSource()
	writer := &spanWriter{
		failures: 2,
		failWith: &store.BulkWriteError{Table: "traces", StatusCode: 503, Body: "unavailable"},
	}
	commits := &commitLog{}

	s := newSpanTestStream(t, source, writer, nil, StreamOptions{
		Topic:         "otel-spans",
		MaxCount:      2,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		Retry:         fastRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	source.records <- spanRecord(t, "t1", commits)
	source.records <- spanRecord(t, "t2", commits)

	waitFor(t, "flush after retries", func() bool { return len(writer.written()) == 1 })
	if writer.callCount() != 3 {
		t.Fatalf("expected 3 write attempts, got %d", writer.callCount())
	}
	waitFor(t, "commits", func() bool { return commits.count() == 2 })
}

func TestStreamDeadLettersFailedBatch(t *testing.T) {
	source := newFakeSource()
	writer := &spanWriter{
		failures: 100,
		failWith: &store.BulkWriteError{Table: "traces", StatusCode: 400, Body: "bad rows"},
	}
	commits := &commitLog{}

	dlPub := &recordingPublisher{}
	deadLetter, err := store.NewDeadLetter(dlPub, "lineagehub-dead-letter", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := newSpanTestStream(t, source, writer, deadLetter, StreamOptions{
		Topic:         "otel-spans",
		MaxCount:      2,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		Retry:         fastRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	source.records <- spanRecord(t, "t1", commits)
	source.records <- spanRecord(t, "t2", commits)

	// Every record of the failed batch is dead-lettered and committed, so the
	// stream keeps moving.
	waitFor(t, "dead-letter entries", func() bool { return len(dlPub.published()) == 2 })
	waitFor(t, "commits", func() bool { return commits.count() == 2 })

	// 4xx is not retried.
	if writer.callCount() != 1 {
		t.Fatalf("expected 1 write attempt, got %d", writer.callCount())
	}

	msg := dlPub.published()[0]
	if msg.Metadata.Get("reason") != "bulk_write_failed" {
		t.Fatalf("unexpected reason %q", msg.Metadata.Get("reason"))
	}
	var entry store.DeadLetterEntry
	if err := jsoncodec.Unmarshal(msg.Payload, &entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.Envelope == nil || entry.Envelope.PayloadKind != event.KindSpan {
		t.Fatalf("expected span envelope to be preserved, got %+v", entry.Envelope)
	}
}

// stallingWriter blocks its first call until the attempt context is
// cancelled, then accepts.
type stallingWriter struct {
	mu      sync.Mutex
	calls   int
	batches [][]store.SpanRow
	started chan struct{}
}

func (w *stallingWriter) write(ctx context.Context, rows []store.SpanRow) error {
	w.mu.Lock()
	w.calls++
	first := w.calls == 1
	w.mu.Unlock()

	if first {
		select {
		case w.started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return &store.BulkWriteError{Table: "traces", StatusCode: 503, Body: "interrupted"}
	}

	w.mu.Lock()
	w.batches = append(w.batches, append([]store.SpanRow(nil), rows...))
	w.mu.Unlock()
	return nil
}

func (w *stallingWriter) written() [][]store.SpanRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]store.SpanRow(nil), w.batches...)
}

func TestStreamShutdownMidWriteRewritesBatchInsteadOfDeadLettering(t *testing.T) {
	source := newFakeSource()
	writer := &stallingWriter{started: make(chan struct{}, 1)}
	commits := &commitLog{}

	dlPub := &recordingPublisher{}
	deadLetter, err := store.NewDeadLetter(dlPub, "lineagehub-dead-letter", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, err := NewStream(source, store.SpanRowFromEnvelope, writer.write, deadLetter, nil, nil, StreamOptions{
		Topic:         "otel-spans",
		MaxCount:      2,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		Retry:         fastRetry(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	source.records <- spanRecord(t, "t1", commits)
	source.records <- spanRecord(t, "t2", commits)

	// Cancel while the bulk write is in flight. The store is healthy, just
	// slow; the shutdown flush rewrites the batch on a detached context.
	<-writer.started
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}

	if n := len(dlPub.published()); n != 0 {
		t.Fatalf("shutdown dead-lettered %d healthy record(s)", n)
	}
	if got := writer.written(); len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected the batch to be written once, got %v", got)
	}
	if commits.count() != 2 {
		t.Fatalf("expected 2 commits, got %d", commits.count())
	}
}

func TestStreamKeepsRecordsWhenDeadLetterFails(t *testing.T) {
	source := newFakeSource()
	writer := &spanWriter{
		failures: 100,
		failWith: &store.BulkWriteError{Table: "traces", StatusCode: 400, Body: "bad rows"},
	}
	commits := &commitLog{}

	dlPub := &recordingPublisher{fail: errors.New("dead-letter topic unavailable")}
	deadLetter, err := store.NewDeadLetter(dlPub, "lineagehub-dead-letter", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := newSpanTestStream(t, source, writer, deadLetter, StreamOptions{
		Topic:         "otel-spans",
		MaxCount:      2,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		Retry:         fastRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	source.records <- spanRecord(t, "t1", commits)
	source.records <- spanRecord(t, "t2", commits)

	waitFor(t, "write attempt", func() bool { return writer.callCount() == 1 })

	// No durable trace of the failure exists; committing would drop the
	// records silently. They stay uncommitted for redelivery.
	time.Sleep(50 * time.Millisecond)
	if commits.count() != 0 {
		t.Fatalf("records committed despite failed dead-letter append: %d", commits.count())
	}
}

func TestStreamRejectsUndecodableRecord(t *testing.T) {
	source := newFakeSource()
	writer := &spanWriter{}
	commits := &commitLog{}

	dlPub := &recordingPublisher{}
	deadLetter, err := store.NewDeadLetter(dlPub, "lineagehub-dead-letter", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := newSpanTestStream(t, source, writer, deadLetter, StreamOptions{
		Topic:         "otel-spans",
		MaxCount:      2,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		Retry:         fastRetry(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	bad := &commitLog{}
	source.records <- Record{Payload: []byte("garbage"), Commit: bad.bump}
	source.records <- spanRecord(t, "t1", commits)
	source.records <- spanRecord(t, "t2", commits)

	waitFor(t, "dead-letter entry", func() bool { return len(dlPub.published()) == 1 })
	waitFor(t, "count flush", func() bool { return len(writer.written()) == 1 })

	// The bad record is committed immediately and never enters a batch.
	if bad.count() != 1 {
		t.Fatalf("expected bad record committed, got %d", bad.count())
	}
	if got := len(writer.written()[0]); got != 2 {
		t.Fatalf("expected batch of 2 valid records, got %d", got)
	}
}

func TestTelemetryConsumerRunsBothStreams(t *testing.T) {
	var mu sync.Mutex
	inserts := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("query")
		mu.Lock()
		switch {
		case strings.Contains(query, "otel.traces"):
			inserts["traces"]++
		case strings.Contains(query, "otel.metrics"):
			inserts["metrics"]++
		}
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := store.NewClickHouseClient(store.ClickHouseConfig{URL: server.URL}, nil)

	spanSource := newFakeSource()
	metricSource := newFakeSource()
	commits := &commitLog{}

	opts := StreamOptions{
		MaxCount:      2,
		MaxAge:        time.Hour,
		FlushInterval: time.Hour,
		Retry:         fastRetry(),
	}
	spanOpts := opts
	spanOpts.Topic = "otel-spans"
	metricOpts := opts
	metricOpts.Topic = "otel-metrics"

	spans, err := NewSpanStream(spanSource, ch, nil, nil, nil, spanOpts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	metricStream, err := NewMetricStream(metricSource, ch, nil, nil, nil, metricOpts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	consumer, err := NewTelemetryConsumer(spans, metricStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	spanSource.records <- spanRecord(t, "t1", commits)
	spanSource.records <- spanRecord(t, "t2", commits)
	metricSource.records <- metricRecord(t, "orders-api", commits)
	metricSource.records <- metricRecord(t, "orders-api", commits)

	waitFor(t, "both streams flushed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inserts["traces"] == 1 && inserts["metrics"] == 1
	})
	waitFor(t, "commits", func() bool { return commits.count() == 4 })
}
