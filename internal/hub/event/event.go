// Package event defines the lineage and telemetry event model, validation,
// and the envelope wrapping every event before publication.
package event

import "time"

// Kind identifies the payload type carried by an envelope.
type Kind string

const (
	KindLineage Kind = "lineage"
	KindSpan    Kind = "span"
	KindMetric  Kind = "metric"
)

// EventType is the lineage run state transition carried by a lineage event.
type EventType string

const (
	EventTypeStart    EventType = "START"
	EventTypeRunning  EventType = "RUNNING"
	EventTypeComplete EventType = "COMPLETE"
	EventTypeFail     EventType = "FAIL"
	EventTypeAbort    EventType = "ABORT"
)

// Valid reports whether the event type is one of the known run states.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeStart, EventTypeRunning, EventTypeComplete, EventTypeFail, EventTypeAbort:
		return true
	}
	return false
}

// Run identifies one execution of a job. All events sharing a RunID belong to
// the same execution and must stay in submission order.
type Run struct {
	RunID string `json:"runId"`
}

// Job names the executing job within its catalog namespace. The job namespace
// may differ from the tenant namespace; cross-tenant dataset references are
// intentional.
type Job struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// DatasetRef identifies a logical dataset consumed or produced by a run.
type DatasetRef struct {
	Type      string `json:"type,omitempty"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
	Format    string `json:"format,omitempty"`
}

// LineageEvent is one run state transition with its dataset lineage.
type LineageEvent struct {
	EventType EventType      `json:"eventType"`
	EventTime time.Time      `json:"eventTime"`
	Run       Run            `json:"run"`
	Job       Job            `json:"job"`
	Inputs    []DatasetRef   `json:"inputs,omitempty"`
	Outputs   []DatasetRef   `json:"outputs,omitempty"`
	Producer  string         `json:"producer,omitempty"`
	Facets    map[string]any `json:"facets,omitempty"`
}

// NaturalKey returns the value used to co-locate a run's events in one
// partition.
func (e *LineageEvent) NaturalKey() string { return e.Run.RunID }

// SpanEvent is a timestamped annotation attached to a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is one telemetry trace span.
type Span struct {
	TraceID            string         `json:"traceId"`
	SpanID             string         `json:"spanId"`
	ParentSpanID       string         `json:"parentSpanId,omitempty"`
	ServiceName        string         `json:"serviceName"`
	OperationName      string         `json:"operationName"`
	StartTime          time.Time      `json:"startTime"`
	DurationNS         int64          `json:"durationNs"`
	StatusCode         string         `json:"statusCode,omitempty"`
	SpanKind           string         `json:"spanKind,omitempty"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	ResourceAttributes map[string]any `json:"resourceAttributes,omitempty"`
	Events             []SpanEvent    `json:"events,omitempty"`
}

// NaturalKey returns the value used to co-locate a trace's spans in one
// partition.
func (s *Span) NaturalKey() string { return s.TraceID }

// MetricType classifies a metric datum.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Valid reports whether the metric type is one of the known kinds.
func (t MetricType) Valid() bool {
	switch t {
	case MetricTypeCounter, MetricTypeGauge, MetricTypeHistogram:
		return true
	}
	return false
}

// Metric is one telemetry metric datum.
type Metric struct {
	Name               string         `json:"metricName"`
	Type               MetricType     `json:"metricType"`
	Value              float64        `json:"value"`
	Unit               string         `json:"unit,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	ServiceName        string         `json:"serviceName"`
	Attributes         map[string]any `json:"attributes,omitempty"`
	ResourceAttributes map[string]any `json:"resourceAttributes,omitempty"`
}

// NaturalKey returns the value used to group a service's metrics in one
// partition.
func (m *Metric) NaturalKey() string { return m.ServiceName }
