package event

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lineagehub/lineagehub/internal/hub/jsoncodec"
)

// DefaultMaxEventBytes caps the serialized size of a single event.
const DefaultMaxEventBytes = 1 << 20

// ValidationError reports the first violated field of a rejected event.
// Validation errors are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

// Validator checks raw event payloads against the model constraints. It is
// pure: no side effects, an event is either fully accepted or rejected with
// the first violated field.
type Validator struct {
	// MaxEventBytes rejects events whose serialized size exceeds the limit.
	// Zero means DefaultMaxEventBytes.
	MaxEventBytes int64
}

func (v *Validator) maxBytes() int64 {
	if v.MaxEventBytes > 0 {
		return v.MaxEventBytes
	}
	return DefaultMaxEventBytes
}

func (v *Validator) checkSize(raw []byte) *ValidationError {
	if int64(len(raw)) > v.maxBytes() {
		return &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("serialized size %d exceeds limit %d", len(raw), v.maxBytes()),
		}
	}
	return nil
}

// ValidateLineage parses and validates a raw lineage event.
func (v *Validator) ValidateLineage(raw []byte) (*LineageEvent, error) {
	if verr := v.checkSize(raw); verr != nil {
		return nil, verr
	}

	var ev LineageEvent
	if err := jsoncodec.Unmarshal(raw, &ev); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed JSON: " + err.Error()}
	}

	if !ev.EventType.Valid() {
		return nil, &ValidationError{Field: "eventType", Reason: fmt.Sprintf("unknown run state %q", ev.EventType)}
	}
	if ev.EventTime.IsZero() {
		return nil, &ValidationError{Field: "eventTime", Reason: "required"}
	}
	if ev.Run.RunID == "" {
		return nil, &ValidationError{Field: "run.runId", Reason: "required"}
	}
	if _, err := uuid.Parse(ev.Run.RunID); err != nil {
		return nil, &ValidationError{Field: "run.runId", Reason: "must be a UUID"}
	}
	if ev.Job.Namespace == "" {
		return nil, &ValidationError{Field: "job.namespace", Reason: "required"}
	}
	if ev.Job.Name == "" {
		return nil, &ValidationError{Field: "job.name", Reason: "required"}
	}
	for i, ds := range ev.Inputs {
		if ds.Name == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("inputs[%d].name", i), Reason: "required"}
		}
	}
	for i, ds := range ev.Outputs {
		if ds.Name == "" {
			return nil, &ValidationError{Field: fmt.Sprintf("outputs[%d].name", i), Reason: "required"}
		}
	}

	return &ev, nil
}

// ValidateSpan parses and validates a raw trace span.
func (v *Validator) ValidateSpan(raw []byte) (*Span, error) {
	if verr := v.checkSize(raw); verr != nil {
		return nil, verr
	}

	var sp Span
	if err := jsoncodec.Unmarshal(raw, &sp); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed JSON: " + err.Error()}
	}

	if !isHex(sp.TraceID, 32) {
		return nil, &ValidationError{Field: "traceId", Reason: "must be 32 hex characters"}
	}
	if !isHex(sp.SpanID, 16) {
		return nil, &ValidationError{Field: "spanId", Reason: "must be 16 hex characters"}
	}
	if sp.ParentSpanID != "" && !isHex(sp.ParentSpanID, 16) {
		return nil, &ValidationError{Field: "parentSpanId", Reason: "must be 16 hex characters"}
	}
	if sp.ServiceName == "" {
		return nil, &ValidationError{Field: "serviceName", Reason: "required"}
	}
	if sp.OperationName == "" {
		return nil, &ValidationError{Field: "operationName", Reason: "required"}
	}
	if sp.StartTime.IsZero() {
		return nil, &ValidationError{Field: "startTime", Reason: "required"}
	}
	if sp.DurationNS < 0 {
		return nil, &ValidationError{Field: "durationNs", Reason: "cannot be negative"}
	}

	return &sp, nil
}

// ValidateMetric parses and validates a raw metric datum.
func (v *Validator) ValidateMetric(raw []byte) (*Metric, error) {
	if verr := v.checkSize(raw); verr != nil {
		return nil, verr
	}

	var m Metric
	if err := jsoncodec.Unmarshal(raw, &m); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "malformed JSON: " + err.Error()}
	}

	if m.Name == "" {
		return nil, &ValidationError{Field: "metricName", Reason: "required"}
	}
	if !m.Type.Valid() {
		return nil, &ValidationError{Field: "metricType", Reason: fmt.Sprintf("unknown metric type %q", m.Type)}
	}
	if m.Timestamp.IsZero() {
		return nil, &ValidationError{Field: "timestamp", Reason: "required"}
	}
	if m.ServiceName == "" {
		return nil, &ValidationError{Field: "serviceName", Reason: "required"}
	}

	return &m, nil
}

func isHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
