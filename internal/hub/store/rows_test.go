package store

import (
	"testing"
	"time"

	"github.com/lineagehub/lineagehub/internal/hub/event"
)

func TestSpanRowFromEnvelope(t *testing.T) {
	payload := `{
		"traceId": "0af7651916cd43dd8448eb211c80319c",
		"spanId": "b7ad6b7169203331",
		"serviceName": "orders-api",
		"operationName": "GET /orders",
		"startTime": "2026-01-10T12:00:00Z",
		"durationNs": 1500000,
		"attributes": {"http.status_code": 200, "http.method": "GET"}
	}`
	env := event.NewEnvelope("team-a", event.KindSpan, "0af7651916cd43dd8448eb211c80319c", []byte(payload), time.Now())

	row, err := SpanRowFromEnvelope(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Namespace != "team-a" {
		t.Fatalf("expected tenant namespace on the row, got %q", row.Namespace)
	}
	if row.TraceID != "0af7651916cd43dd8448eb211c80319c" {
		t.Fatalf("unexpected trace id %q", row.TraceID)
	}
	if row.DurationNS != 1500000 {
		t.Fatalf("unexpected duration %d", row.DurationNS)
	}
	if row.Attributes["http.status_code"] != "200" {
		t.Fatalf("expected stringified attribute, got %q", row.Attributes["http.status_code"])
	}
	if row.Events != "[]" {
		t.Fatalf("expected empty events array, got %q", row.Events)
	}

	if _, err := SpanRowFromEnvelope(event.NewEnvelope("team-a", event.KindSpan, "k", []byte("garbage"), time.Now())); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestMetricRowFromEnvelope(t *testing.T) {
	payload := `{
		"metricName": "http_requests_total",
		"metricType": "counter",
		"value": 42.5,
		"unit": "1",
		"timestamp": "2026-01-10T12:00:00Z",
		"serviceName": "orders-api"
	}`
	env := event.NewEnvelope("team-a", event.KindMetric, "orders-api", []byte(payload), time.Now())

	row, err := MetricRowFromEnvelope(env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.MetricName != "http_requests_total" {
		t.Fatalf("unexpected metric name %q", row.MetricName)
	}
	if row.MetricType != "counter" {
		t.Fatalf("unexpected metric type %q", row.MetricType)
	}
	if row.Value != 42.5 {
		t.Fatalf("unexpected value %v", row.Value)
	}
	if row.Namespace != "team-a" {
		t.Fatalf("expected tenant namespace on the row, got %q", row.Namespace)
	}
}

func TestStringifyAttributes(t *testing.T) {
	out := StringifyAttributes(map[string]any{
		"str":    "plain",
		"bool":   true,
		"float":  12.5,
		"int":    float64(7),
		"nested": map[string]any{"a": float64(1)},
		"nil":    nil,
	})

	cases := map[string]string{
		"str":    "plain",
		"bool":   "true",
		"float":  "12.5",
		"int":    "7",
		"nested": `{"a":1}`,
		"nil":    "",
	}
	for key, want := range cases {
		if out[key] != want {
			t.Fatalf("attribute %q: expected %q, got %q", key, want, out[key])
		}
	}
}
