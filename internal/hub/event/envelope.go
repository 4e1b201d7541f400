package event

import (
	"encoding/json"
	"fmt"
	"time"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
	"github.com/lineagehub/lineagehub/internal/hub/jsoncodec"
)

// Envelope wraps every validated event before publication. The partition key
// is "tenant:naturalKey", so one tenant's runs, traces, and services each
// stay on a single partition in submission order.
type Envelope struct {
	TenantNamespace string          `json:"tenant_namespace"`
	PartitionKey    string          `json:"partition_key"`
	PayloadKind     Kind            `json:"payload_kind"`
	Payload         json.RawMessage `json:"payload"`
	IngestedAt      time.Time       `json:"ingested_at"`
}

// NewEnvelope wraps a validated payload for the given tenant.
func NewEnvelope(tenant string, kind Kind, naturalKey string, payload []byte, ingestedAt time.Time) *Envelope {
	return &Envelope{
		TenantNamespace: tenant,
		PartitionKey:    PartitionKey(tenant, naturalKey),
		PayloadKind:     kind,
		Payload:         json.RawMessage(payload),
		IngestedAt:      ingestedAt.UTC(),
	}
}

// PartitionKey builds the tenant-prefixed partition key.
func PartitionKey(tenant, naturalKey string) string {
	return tenant + ":" + naturalKey
}

// Encode serializes the envelope. Field order is fixed by the struct and map
// keys are sorted, so the same envelope always encodes to the same bytes.
func (e *Envelope) Encode() ([]byte, error) {
	if e.TenantNamespace == "" {
		return nil, fmt.Errorf("encode envelope: %w", hub.ErrTenantRequired)
	}
	return jsoncodec.Marshal(e)
}

// DecodeEnvelope parses envelope bytes read back from the log.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := jsoncodec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if e.TenantNamespace == "" {
		return nil, fmt.Errorf("decode envelope: %w", hub.ErrTenantRequired)
	}
	return &e, nil
}

// DecodeLineage parses the envelope payload as a lineage event.
func (e *Envelope) DecodeLineage() (*LineageEvent, error) {
	var ev LineageEvent
	if err := jsoncodec.Unmarshal(e.Payload, &ev); err != nil {
		return nil, fmt.Errorf("decode lineage payload: %w", err)
	}
	return &ev, nil
}

// DecodeSpan parses the envelope payload as a trace span.
func (e *Envelope) DecodeSpan() (*Span, error) {
	var sp Span
	if err := jsoncodec.Unmarshal(e.Payload, &sp); err != nil {
		return nil, fmt.Errorf("decode span payload: %w", err)
	}
	return &sp, nil
}

// DecodeMetric parses the envelope payload as a metric datum.
func (e *Envelope) DecodeMetric() (*Metric, error) {
	var m Metric
	if err := jsoncodec.Unmarshal(e.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode metric payload: %w", err)
	}
	return &m, nil
}
