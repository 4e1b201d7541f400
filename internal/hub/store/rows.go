package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/jsoncodec"
)

// SpanRow mirrors the traces table column set.
type SpanRow struct {
	Timestamp          time.Time         `json:"timestamp"`
	TraceID            string            `json:"trace_id"`
	SpanID             string            `json:"span_id"`
	ParentSpanID       string            `json:"parent_span_id"`
	OperationName      string            `json:"operation_name"`
	ServiceName        string            `json:"service_name"`
	DurationNS         int64             `json:"duration_ns"`
	StatusCode         string            `json:"status_code"`
	SpanKind           string            `json:"span_kind"`
	Namespace          string            `json:"namespace"`
	Attributes         map[string]string `json:"attributes"`
	ResourceAttributes map[string]string `json:"resource_attributes"`
	Events             string            `json:"events"`
}

// MetricRow mirrors the metrics table column set.
type MetricRow struct {
	Timestamp          time.Time         `json:"timestamp"`
	MetricName         string            `json:"metric_name"`
	MetricType         string            `json:"metric_type"`
	Value              float64           `json:"value"`
	Unit               string            `json:"unit"`
	ServiceName        string            `json:"service_name"`
	Namespace          string            `json:"namespace"`
	Attributes         map[string]string `json:"attributes"`
	ResourceAttributes map[string]string `json:"resource_attributes"`
}

// SpanRowFromEnvelope decodes the envelope payload and flattens it to the
// traces row shape.
func SpanRowFromEnvelope(env *event.Envelope) (SpanRow, error) {
	sp, err := env.DecodeSpan()
	if err != nil {
		return SpanRow{}, err
	}

	events := "[]"
	if len(sp.Events) > 0 {
		encoded, err := jsoncodec.Marshal(sp.Events)
		if err != nil {
			return SpanRow{}, fmt.Errorf("encode span events: %w", err)
		}
		events = string(encoded)
	}

	return SpanRow{
		Timestamp:          sp.StartTime.UTC(),
		TraceID:            sp.TraceID,
		SpanID:             sp.SpanID,
		ParentSpanID:       sp.ParentSpanID,
		OperationName:      sp.OperationName,
		ServiceName:        sp.ServiceName,
		DurationNS:         sp.DurationNS,
		StatusCode:         sp.StatusCode,
		SpanKind:           sp.SpanKind,
		Namespace:          env.TenantNamespace,
		Attributes:         StringifyAttributes(sp.Attributes),
		ResourceAttributes: StringifyAttributes(sp.ResourceAttributes),
		Events:             events,
	}, nil
}

// MetricRowFromEnvelope decodes the envelope payload and flattens it to the
// metrics row shape.
func MetricRowFromEnvelope(env *event.Envelope) (MetricRow, error) {
	m, err := env.DecodeMetric()
	if err != nil {
		return MetricRow{}, err
	}

	return MetricRow{
		Timestamp:          m.Timestamp.UTC(),
		MetricName:         m.Name,
		MetricType:         string(m.Type),
		Value:              m.Value,
		Unit:               m.Unit,
		ServiceName:        m.ServiceName,
		Namespace:          env.TenantNamespace,
		Attributes:         StringifyAttributes(m.Attributes),
		ResourceAttributes: StringifyAttributes(m.ResourceAttributes),
	}, nil
}

// StringifyAttributes flattens an attribute map to the string-valued map the
// telemetry store schema expects. Nested values are serialized as JSON.
func StringifyAttributes(attrs map[string]any) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = stringifyValue(v)
	}
	return out
}

func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		encoded, err := jsoncodec.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(encoded)
	}
}
