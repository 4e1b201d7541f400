// Package store holds the clients for the downstream systems: the lineage
// store (Marquez), the telemetry store (ClickHouse), and the dead-letter
// sink on the shared log.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/jsoncodec"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
)

// ForwardError is a failed forward to the lineage store. StatusCode zero
// means the request never got a response (network error, timeout).
type ForwardError struct {
	StatusCode int
	Body       string
}

func (e *ForwardError) Error() string {
	if e.StatusCode == 0 {
		return "lineage forward: no response"
	}
	return fmt.Sprintf("lineage forward: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the forward is worth retrying.
func (e *ForwardError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// MarquezClient forwards single lineage events to the Marquez ingestion
// endpoint.
type MarquezClient struct {
	baseURL string
	client  *http.Client
	logger  logging.ServiceLogger
}

// NewMarquezClient creates a client for the given base URL. The timeout
// bounds each forward call.
func NewMarquezClient(baseURL string, timeout time.Duration, logger logging.ServiceLogger) *MarquezClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MarquezClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SendLineageEvent posts one lineage event. Marquez replies 201 on
// acceptance; any other 2xx is also treated as accepted.
func (c *MarquezClient) SendLineageEvent(ctx context.Context, ev *event.LineageEvent) error {
	tracer := otel.Tracer("lineagehub/store")
	ctx, span := tracer.Start(ctx, "marquez.send_lineage_event", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", ev.Run.RunID),
		attribute.String("event_type", string(ev.EventType)),
	)

	body, err := jsoncodec.Marshal(ev)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("marshal lineage event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/lineage", bytes.NewReader(body))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("build lineage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &ForwardError{StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		ferr := &ForwardError{StatusCode: resp.StatusCode, Body: string(respBody)}
		span.SetStatus(codes.Error, ferr.Error())
		return ferr
	}

	return nil
}
