package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"

	hub "github.com/lineagehub/lineagehub/internal/hub/errors"
	"github.com/lineagehub/lineagehub/internal/hub/event"
)

// Rejection reason codes reported per event.
const (
	reasonValidation       = "validation"
	reasonUnknownNamespace = "unknown_namespace"
	reasonQuotaExceeded    = "quota_exceeded"
	reasonPublish          = "publish"
)

// LineageIngestRequest is the lineage submission payload.
type LineageIngestRequest struct {
	Namespace string            `json:"namespace"`
	Events    []json.RawMessage `json:"events"`
	Source    string            `json:"source,omitempty"`
}

// TelemetryIngestRequest is the telemetry submission payload. The tenant
// namespace is stamped by the gateway; span and metric payloads never carry
// it.
type TelemetryIngestRequest struct {
	Namespace string            `json:"namespace"`
	Traces    []json.RawMessage `json:"traces,omitempty"`
	Metrics   []json.RawMessage `json:"metrics,omitempty"`
	Source    string            `json:"source,omitempty"`
}

// EventResult is the per-event outcome within one request.
type EventResult struct {
	Index    int    `json:"index"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// IngestSummary aggregates the outcomes for one event kind.
type IngestSummary struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Results  []EventResult `json:"results"`
}

// LineageIngestResponse reports per-event status for a lineage submission.
type LineageIngestResponse struct {
	Namespace string `json:"namespace"`
	IngestSummary
}

// TelemetryIngestResponse reports per-kind, per-event status for a telemetry
// submission.
type TelemetryIngestResponse struct {
	Namespace string        `json:"namespace"`
	Traces    IngestSummary `json:"traces"`
	Metrics   IngestSummary `json:"metrics"`
}

func (s *Server) handleLineageIngest(w http.ResponseWriter, r *http.Request) {
	var req LineageIngestRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Namespace == "" {
		renderError(w, r, http.StatusBadRequest, "namespace is required")
		return
	}
	if len(req.Events) == 0 {
		renderError(w, r, http.StatusBadRequest, "events are required")
		return
	}

	summary := s.ingestAll(r.Context(), req.Namespace, event.KindLineage, req.Events)

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, LineageIngestResponse{Namespace: req.Namespace, IngestSummary: summary})
}

func (s *Server) handleTelemetryIngest(w http.ResponseWriter, r *http.Request) {
	var req TelemetryIngestRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.Namespace == "" {
		renderError(w, r, http.StatusBadRequest, "namespace is required")
		return
	}
	if len(req.Traces) == 0 && len(req.Metrics) == 0 {
		renderError(w, r, http.StatusBadRequest, "traces or metrics are required")
		return
	}

	resp := TelemetryIngestResponse{
		Namespace: req.Namespace,
		Traces:    s.ingestAll(r.Context(), req.Namespace, event.KindSpan, req.Traces),
		Metrics:   s.ingestAll(r.Context(), req.Namespace, event.KindMetric, req.Metrics),
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, resp)
}

// ingestAll validates, routes, and submits each payload independently.
// Rejections never fail the whole request.
func (s *Server) ingestAll(ctx context.Context, tenant string, kind event.Kind, payloads []json.RawMessage) IngestSummary {
	summary := IngestSummary{Results: make([]EventResult, 0, len(payloads))}

	for i, raw := range payloads {
		result := s.ingestOne(ctx, tenant, kind, i, raw)
		if result.Accepted {
			summary.Accepted++
			s.metrics.RecordAccepted(tenant, string(kind))
		} else {
			summary.Rejected++
			s.metrics.RecordRejected(tenant, string(kind), result.Reason)
		}
		summary.Results = append(summary.Results, result)
	}

	return summary
}

func (s *Server) ingestOne(ctx context.Context, tenant string, kind event.Kind, index int, raw json.RawMessage) EventResult {
	naturalKey, err := s.validate(kind, raw)
	if err != nil {
		return EventResult{Index: index, Reason: reasonValidation, Detail: err.Error()}
	}

	decision, err := s.router.Route(tenant, kind, naturalKey)
	if err != nil {
		return EventResult{Index: index, Reason: routeReason(err), Detail: err.Error()}
	}

	env := event.NewEnvelope(tenant, kind, naturalKey, raw, time.Now())
	ack := s.publisher.Publish(ctx, decision, env)

	// Permanent publish failures (oversize, encode) resolve immediately;
	// report them to the producer. Transient retries resolve later and are
	// handled by the publisher, not the request.
	select {
	case <-ack.Done():
		if err := ack.Err(); err != nil {
			return EventResult{Index: index, Reason: reasonPublish, Detail: err.Error()}
		}
	default:
	}

	return EventResult{Index: index, Accepted: true}
}

func (s *Server) validate(kind event.Kind, raw []byte) (naturalKey string, err error) {
	switch kind {
	case event.KindLineage:
		ev, err := s.validator.ValidateLineage(raw)
		if err != nil {
			return "", err
		}
		return ev.NaturalKey(), nil
	case event.KindSpan:
		sp, err := s.validator.ValidateSpan(raw)
		if err != nil {
			return "", err
		}
		return sp.NaturalKey(), nil
	case event.KindMetric:
		m, err := s.validator.ValidateMetric(raw)
		if err != nil {
			return "", err
		}
		return m.NaturalKey(), nil
	default:
		return "", &event.ValidationError{Field: "kind", Reason: "unknown event kind"}
	}
}

func routeReason(err error) string {
	switch {
	case errors.Is(err, hub.ErrQuotaExceeded):
		return reasonQuotaExceeded
	case errors.Is(err, hub.ErrUnknownNamespace), errors.Is(err, hub.ErrInvalidNamespace):
		return reasonUnknownNamespace
	default:
		return reasonValidation
	}
}
