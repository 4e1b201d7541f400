package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/namespace"
	"github.com/lineagehub/lineagehub/internal/hub/publish"
	"github.com/lineagehub/lineagehub/internal/hub/transport"
)

const validLineage = `{
	"eventType": "START",
	"eventTime": "2026-01-10T12:00:00Z",
	"run": {"runId": "3f8c8b9a-9f1e-4b8a-b1f0-4a5b6c7d8e9f"},
	"job": {"namespace": "team-a", "name": "daily-load"}
}`

const validSpan = `{
	"traceId": "0af7651916cd43dd8448eb211c80319c",
	"spanId": "b7ad6b7169203331",
	"serviceName": "orders-api",
	"operationName": "GET /orders",
	"startTime": "2026-01-10T12:00:00Z",
	"durationNs": 1500000
}`

const validMetric = `{
	"metricName": "http_requests_total",
	"metricType": "counter",
	"value": 42,
	"timestamp": "2026-01-10T12:00:00Z",
	"serviceName": "orders-api"
}`

type recordingPublisher struct {
	mu       sync.Mutex
	messages []*message.Message
	fail     error
	failures int
	calls    int
}

func (p *recordingPublisher) Publish(_ string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail != nil {
		return p.fail
	}
	if p.calls <= p.failures {
		return errors.New("broker unavailable")
	}
	p.messages = append(p.messages, messages...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages...)
}

type testEnv struct {
	server    *Server
	handler   http.Handler
	registry  *namespace.Registry
	transport *recordingPublisher
	publisher *publish.Publisher
}

func newTestEnv(t *testing.T, autoCreate bool) *testEnv {
	t.Helper()

	tp := &recordingPublisher{}
	pub, err := publish.New(tp, transport.ChannelCapabilities, nil, nil, publish.Options{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		AttemptTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry := namespace.NewRegistry(autoCreate, namespace.Defaults{DailyEventQuota: 1000, RetentionDays: 30})
	router := namespace.NewRouter(registry, namespace.NewQuotaStore(), namespace.Topics{
		Lineage: "openlineage-events",
		Spans:   "otel-spans",
		Metrics: "otel-metrics",
	})

	server := New(registry, router, &event.Validator{}, pub, transport.ChannelCapabilities, nil, nil)
	return &testEnv{
		server:    server,
		handler:   server.Handler(),
		registry:  registry,
		transport: tp,
		publisher: pub,
	}
}

func (e *testEnv) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestLineageIngestPartialAcceptance(t *testing.T) {
	env := newTestEnv(t, true)

	body := `{"namespace": "team-a", "events": [` + validLineage + `, {"eventType": "BOGUS"}]}`
	rec := env.request(t, http.MethodPost, "/api/v1/lineage/ingest", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp LineageIngestResponse
	decodeInto(t, rec, &resp)
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Fatalf("expected 1 accepted / 1 rejected, got %d/%d", resp.Accepted, resp.Rejected)
	}
	if !resp.Results[0].Accepted {
		t.Fatalf("expected event 0 accepted: %+v", resp.Results[0])
	}
	if resp.Results[1].Accepted || resp.Results[1].Reason != "validation" {
		t.Fatalf("expected event 1 rejected for validation: %+v", resp.Results[1])
	}

	// Only the accepted event reaches the log.
	if err := env.publisher.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := env.transport.published()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(msgs))
	}
	if key := msgs[0].Metadata.Get(transport.MetadataPartitionKey); key != "team-a:3f8c8b9a-9f1e-4b8a-b1f0-4a5b6c7d8e9f" {
		t.Fatalf("unexpected partition key %q", key)
	}
}

func TestTelemetryIngest(t *testing.T) {
	env := newTestEnv(t, true)

	body := `{"namespace": "team-a", "traces": [` + validSpan + `], "metrics": [` + validMetric + `, {"metricType": "bogus"}]}`
	rec := env.request(t, http.MethodPost, "/api/v1/telemetry/ingest", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp TelemetryIngestResponse
	decodeInto(t, rec, &resp)
	if resp.Traces.Accepted != 1 || resp.Traces.Rejected != 0 {
		t.Fatalf("unexpected trace summary: %+v", resp.Traces)
	}
	if resp.Metrics.Accepted != 1 || resp.Metrics.Rejected != 1 {
		t.Fatalf("unexpected metric summary: %+v", resp.Metrics)
	}
}

func TestIngestQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, false)
	if _, err := env.registry.Create(namespace.Config{Name: "team-a", DailyEventQuota: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body := `{"namespace": "team-a", "events": [` + validLineage + `, ` + validLineage + `]}`
	rec := env.request(t, http.MethodPost, "/api/v1/lineage/ingest", body)

	var resp LineageIngestResponse
	decodeInto(t, rec, &resp)
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Fatalf("expected 1 accepted / 1 rejected, got %d/%d", resp.Accepted, resp.Rejected)
	}
	if resp.Results[1].Reason != "quota_exceeded" {
		t.Fatalf("expected quota_exceeded, got %q", resp.Results[1].Reason)
	}
}

func TestIngestUnknownNamespace(t *testing.T) {
	env := newTestEnv(t, false)

	body := `{"namespace": "team-x", "events": [` + validLineage + `]}`
	rec := env.request(t, http.MethodPost, "/api/v1/lineage/ingest", body)

	var resp LineageIngestResponse
	decodeInto(t, rec, &resp)
	if resp.Accepted != 0 || resp.Rejected != 1 {
		t.Fatalf("expected full rejection, got %d/%d", resp.Accepted, resp.Rejected)
	}
	if resp.Results[0].Reason != "unknown_namespace" {
		t.Fatalf("expected unknown_namespace, got %q", resp.Results[0].Reason)
	}
}

func TestIngestPublishFailureReported(t *testing.T) {
	env := newTestEnv(t, true)
	env.transport.fail = errors.New("broker unavailable")

	// Transient failures resolve after the request; the event is still
	// reported accepted because submission succeeded.
	body := `{"namespace": "team-a", "events": [` + validLineage + `]}`
	rec := env.request(t, http.MethodPost, "/api/v1/lineage/ingest", body)

	var resp LineageIngestResponse
	decodeInto(t, rec, &resp)
	if resp.Accepted != 1 {
		t.Fatalf("expected async publish to be reported accepted, got %+v", resp)
	}
}

func TestIngestPublishRetryOutlivesRequest(t *testing.T) {
	env := newTestEnv(t, true)
	env.transport.failures = 1

	// A real server so the request context is cancelled the moment the
	// handler returns, as in production.
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	body := `{"namespace": "team-a", "events": [` + validLineage + `]}`
	resp, err := http.Post(srv.URL+"/api/v1/lineage/ingest", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	// The first broker attempt failed and the handler has returned; the
	// retry must still deliver the accepted event.
	if err := env.publisher.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msgs := env.transport.published()
	if len(msgs) != 1 {
		t.Fatalf("accepted event lost after request ended: got %d messages", len(msgs))
	}
}

func TestIngestRequestValidation(t *testing.T) {
	env := newTestEnv(t, true)

	cases := []struct {
		path string
		body string
	}{
		{"/api/v1/lineage/ingest", `not json`},
		{"/api/v1/lineage/ingest", `{"events": [` + validLineage + `]}`},
		{"/api/v1/lineage/ingest", `{"namespace": "team-a", "events": []}`},
		{"/api/v1/telemetry/ingest", `{"namespace": "team-a"}`},
	}
	for _, tc := range cases {
		rec := env.request(t, http.MethodPost, tc.path, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", tc.body, rec.Code)
		}
	}
}

func TestNamespaceEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.request(t, http.MethodPost, "/api/v1/namespaces/", `{"name": "team-a", "daily_event_quota": 500}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created namespace.Config
	decodeInto(t, rec, &created)
	if created.DailyEventQuota != 500 {
		t.Fatalf("expected quota 500, got %d", created.DailyEventQuota)
	}

	rec = env.request(t, http.MethodPost, "/api/v1/namespaces/", `{"name": "team-a"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodPost, "/api/v1/namespaces/", `{"name": "Bad Name"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid name, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/api/v1/namespaces/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var list NamespaceListResponse
	decodeInto(t, rec, &list)
	if list.Count != 1 || list.Namespaces[0].Name != "team-a" {
		t.Fatalf("unexpected listing: %+v", list)
	}

	rec = env.request(t, http.MethodGet, "/api/v1/namespaces/team-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodGet, "/api/v1/namespaces/team-x", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = env.request(t, http.MethodPatch, "/api/v1/namespaces/team-a", `{"daily_event_quota": 9000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated namespace.Config
	decodeInto(t, rec, &updated)
	if updated.DailyEventQuota != 9000 {
		t.Fatalf("expected quota 9000, got %d", updated.DailyEventQuota)
	}

	rec = env.request(t, http.MethodPatch, "/api/v1/namespaces/team-x", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.request(t, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var health healthResponse
	decodeInto(t, rec, &health)
	if health.Status != "ok" {
		t.Fatalf("unexpected status %q", health.Status)
	}
	if health.Transport != "channel" {
		t.Fatalf("unexpected transport %q", health.Transport)
	}
}
