// The telemetry-consumer binary batches spans and metrics from the log and
// bulk-writes them to the telemetry store. The two streams run independently.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lineagehub/lineagehub/internal/hub/config"
	"github.com/lineagehub/lineagehub/internal/hub/consume"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
	"github.com/lineagehub/lineagehub/internal/hub/metrics"
	"github.com/lineagehub/lineagehub/internal/hub/store"
	"github.com/lineagehub/lineagehub/internal/hub/transport"

	_ "github.com/lineagehub/lineagehub/internal/hub/transport/aws"
	_ "github.com/lineagehub/lineagehub/internal/hub/transport/channel"
	_ "github.com/lineagehub/lineagehub/internal/hub/transport/jetstream"
	_ "github.com/lineagehub/lineagehub/internal/hub/transport/kafka"
	_ "github.com/lineagehub/lineagehub/internal/hub/transport/rabbitmq"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "telemetry-consumer:", err)
		os.Exit(1)
	}
}

func run() error {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogServiceLogger(slogger)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", logging.LogFields{"config": cfg.String()})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	t, err := transport.Build(ctx, cfg, logging.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}
	defer t.Subscriber.Close()
	defer t.Publisher.Close()

	dm := metrics.NewDeadLetterMetrics(nil)
	if err := dm.Register(); err != nil {
		return err
	}
	cm := metrics.NewConsumerMetrics(nil)
	if err := cm.Register(); err != nil {
		return err
	}

	deadLetter, err := store.NewDeadLetter(t.Publisher, cfg.DeadLetterTopic, dm, logger)
	if err != nil {
		return err
	}

	ch := store.NewClickHouseClient(store.ClickHouseConfig{
		URL:      cfg.ClickHouseURL,
		Database: cfg.ClickHouseDatabase,
		User:     cfg.ClickHouseUser,
		Password: cfg.ClickHousePassword,
	}, logger)

	spanSource, metricSource, err := buildSources(cfg, t, logger)
	if err != nil {
		return err
	}
	defer spanSource.Close()
	defer metricSource.Close()

	retry := consume.RetryOptions{
		MaxAttempts:     cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}

	spans, err := consume.NewSpanStream(spanSource, ch, deadLetter, cm, logger, consume.StreamOptions{
		Topic:         cfg.SpansTopic,
		MaxCount:      cfg.BatchMaxEvents,
		MaxAge:        cfg.BatchMaxAge,
		FlushInterval: cfg.BatchFlushInterval,
		Retry:         retry,
	})
	if err != nil {
		return err
	}

	metricStream, err := consume.NewMetricStream(metricSource, ch, deadLetter, cm, logger, consume.StreamOptions{
		Topic:         cfg.MetricsTopic,
		MaxCount:      cfg.BatchMaxEvents,
		MaxAge:        cfg.BatchMaxAge,
		FlushInterval: cfg.BatchFlushInterval,
		Retry:         retry,
	})
	if err != nil {
		return err
	}

	consumer, err := consume.NewTelemetryConsumer(spans, metricStream)
	if err != nil {
		return err
	}

	if cfg.MetricsEnabled {
		go serveMetrics(cfg.MetricsPort, logger)
	}

	return consumer.Run(ctx)
}

// buildSources picks record sources by the transport's batch-commit
// capability. Kafka gets the sarama source with one consumer group per topic
// so the two streams rebalance independently; channel consumes through its
// watermill subscriber, which buffers deliveries independently of acks.
// Ack-serialized transports withhold message N+1 until N is acked, so a batch
// can never fill past one record; refuse them at startup instead of running
// with degraded throughput.
func buildSources(cfg *config.Config, t transport.Transport, logger logging.ServiceLogger) (consume.Source, consume.Source, error) {
	system := strings.ToLower(cfg.PubSubSystem)
	caps := transport.GetCapabilities(system)
	if !caps.SupportsBatchCommit {
		return nil, nil, fmt.Errorf("transport %q acks one message at a time and cannot fill a batch; telemetry batching requires a batch-commit transport (kafka, channel)", cfg.PubSubSystem)
	}

	if system == "kafka" {
		spanSource, err := consume.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaConsumerGroup+"-spans", logger)
		if err != nil {
			return nil, nil, err
		}
		metricSource, err := consume.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaConsumerGroup+"-metrics", logger)
		if err != nil {
			spanSource.Close()
			return nil, nil, err
		}
		return spanSource, metricSource, nil
	}

	sub := consume.NewSubscriberSource(t.Subscriber)
	return sub, sub, nil
}

func serveMetrics(port int, logger logging.ServiceLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("metrics listening", logging.LogFields{"port": port})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", err, nil)
	}
}
