package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lineagehub/lineagehub/internal/hub/jsoncodec"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
)

// BulkWriteError is a failed bulk insert into the telemetry store.
// StatusCode zero means the request never got a response.
type BulkWriteError struct {
	Table      string
	StatusCode int
	Body       string
}

func (e *BulkWriteError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("bulk write to %q: no response", e.Table)
	}
	return fmt.Sprintf("bulk write to %q: unexpected status %d: %s", e.Table, e.StatusCode, e.Body)
}

// Transient reports whether the write is worth retrying.
func (e *BulkWriteError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// ClickHouseConfig configures the telemetry store client.
type ClickHouseConfig struct {
	// URL is the ClickHouse HTTP interface base URL.
	URL      string
	Database string
	User     string
	Password string
	Timeout  time.Duration
}

// ClickHouseClient bulk-inserts telemetry rows over the ClickHouse HTTP
// interface using JSONEachRow.
type ClickHouseClient struct {
	cfg    ClickHouseConfig
	client *http.Client
	logger logging.ServiceLogger
}

// NewClickHouseClient creates a client for the given endpoint.
func NewClickHouseClient(cfg ClickHouseConfig, logger logging.ServiceLogger) *ClickHouseClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Database == "" {
		cfg.Database = "otel"
	}
	return &ClickHouseClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// InsertSpans bulk-inserts span rows into the traces table.
func (c *ClickHouseClient) InsertSpans(ctx context.Context, rows []SpanRow) error {
	body, err := encodeRows(rows)
	if err != nil {
		return fmt.Errorf("encode span rows: %w", err)
	}
	return c.insert(ctx, "traces", body, len(rows))
}

// InsertMetrics bulk-inserts metric rows into the metrics table.
func (c *ClickHouseClient) InsertMetrics(ctx context.Context, rows []MetricRow) error {
	body, err := encodeRows(rows)
	if err != nil {
		return fmt.Errorf("encode metric rows: %w", err)
	}
	return c.insert(ctx, "metrics", body, len(rows))
}

func encodeRows[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	for i := range rows {
		line, err := jsoncodec.Marshal(rows[i])
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func (c *ClickHouseClient) insert(ctx context.Context, table string, body []byte, count int) error {
	if count == 0 {
		return nil
	}

	tracer := otel.Tracer("lineagehub/store")
	ctx, span := tracer.Start(ctx, "clickhouse.bulk_insert", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("table", table),
		attribute.Int("rows", count),
	)

	query := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", c.cfg.Database, table)
	endpoint := fmt.Sprintf("%s/?query=%s&date_time_input_format=best_effort", c.cfg.URL, url.QueryEscape(query))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("build insert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if c.cfg.User != "" {
		req.SetBasicAuth(c.cfg.User, c.cfg.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &BulkWriteError{Table: table, StatusCode: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		werr := &BulkWriteError{Table: table, StatusCode: resp.StatusCode, Body: string(respBody)}
		span.SetStatus(codes.Error, werr.Error())
		return werr
	}

	if c.logger != nil {
		c.logger.Debug("bulk insert complete", logging.LogFields{
			"table": table,
			"rows":  count,
		})
	}
	return nil
}
