package event

import (
	"errors"
	"strings"
	"testing"
)

const validLineage = `{
	"eventType": "START",
	"eventTime": "2026-01-10T12:00:00Z",
	"run": {"runId": "3f8c8b9a-9f1e-4b8a-b1f0-4a5b6c7d8e9f"},
	"job": {"namespace": "team-a", "name": "daily-load"},
	"inputs": [{"name": "raw.orders", "namespace": "warehouse"}],
	"outputs": [{"name": "clean.orders"}]
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

func TestValidateLineage(t *testing.T) {
	v := &Validator{}

	ev, err := v.ValidateLineage([]byte(validLineage))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.EventType != EventTypeStart {
		t.Fatalf("expected START, got %q", ev.EventType)
	}
	if ev.NaturalKey() != "3f8c8b9a-9f1e-4b8a-b1f0-4a5b6c7d8e9f" {
		t.Fatalf("unexpected natural key %q", ev.NaturalKey())
	}
}

func TestValidateLineageRejections(t *testing.T) {
	v := &Validator{}

	cases := []struct {
		name  string
		raw   string
		field string
	}{
		{
			name:  "malformed json",
			raw:   `{not json`,
			field: "payload",
		},
		{
			name:  "unknown event type",
			raw:   strings.Replace(validLineage, "START", "LAUNCHED", 1),
			field: "eventType",
		},
		{
			name:  "missing event time",
			raw:   strings.Replace(validLineage, `"eventTime": "2026-01-10T12:00:00Z",`, "", 1),
			field: "eventTime",
		},
		{
			name:  "missing run id",
			raw:   strings.Replace(validLineage, `"runId": "3f8c8b9a-9f1e-4b8a-b1f0-4a5b6c7d8e9f"`, `"runId": ""`, 1),
			field: "run.runId",
		},
		{
			name:  "run id not a uuid",
			raw:   strings.Replace(validLineage, "3f8c8b9a-9f1e-4b8a-b1f0-4a5b6c7d8e9f", "not-a-uuid", 1),
			field: "run.runId",
		},
		{
			name:  "missing job name",
			raw:   strings.Replace(validLineage, `"name": "daily-load"`, `"name": ""`, 1),
			field: "job.name",
		},
		{
			name:  "input without name",
			raw:   strings.Replace(validLineage, `"name": "raw.orders", `, `"name": "", `, 1),
			field: "inputs[0].name",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.ValidateLineage([]byte(tc.raw))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q (%s)", tc.field, verr.Field, verr.Reason)
			}
		})
	}
}

func TestValidateSpanRejections(t *testing.T) {
	v := &Validator{}

	if _, err := v.ValidateSpan([]byte(validSpan)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		name  string
		raw   string
		field string
	}{
		{
			name:  "short trace id",
			raw:   strings.Replace(validSpan, "0af7651916cd43dd8448eb211c80319c", "0af765", 1),
			field: "traceId",
		},
		{
			name:  "non-hex span id",
			raw:   strings.Replace(validSpan, "b7ad6b7169203331", "zzzzzzzzzzzzzzzz", 1),
			field: "spanId",
		},
		{
			name:  "missing service name",
			raw:   strings.Replace(validSpan, `"serviceName": "orders-api",`, `"serviceName": "",`, 1),
			field: "serviceName",
		},
		{
			name:  "negative duration",
			raw:   strings.Replace(validSpan, `"durationNs": 1500000`, `"durationNs": -1`, 1),
			field: "durationNs",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.ValidateSpan([]byte(tc.raw))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, verr.Field)
			}
		})
	}
}

func TestValidateMetric(t *testing.T) {
	v := &Validator{}

	m, err := v.ValidateMetric([]byte(validMetric))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.NaturalKey() != "orders-api" {
		t.Fatalf("unexpected natural key %q", m.NaturalKey())
	}

	bad := strings.Replace(validMetric, "counter", "summary", 1)
	_, err = v.ValidateMetric([]byte(bad))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "metricType" {
		t.Fatalf("expected metricType validation error, got %v", err)
	}
}

func TestValidateSizeLimit(t *testing.T) {
	v := &Validator{MaxEventBytes: 64}

	_, err := v.ValidateLineage([]byte(validLineage))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "payload" {
		t.Fatalf("expected size rejection, got %v", err)
	}
}
