// The lineage-consumer binary forwards lineage events from the log to the
// lineage store, one record at a time, in partition order.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
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
		fmt.Fprintln(os.Stderr, "lineage-consumer:", err)
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

	marquez := store.NewMarquezClient(cfg.MarquezURL, cfg.MarquezTimeout, logger)

	consumer, err := consume.NewLineageConsumer(t.Subscriber, marquez, deadLetter, cm, logger, consume.LineageConsumerOptions{
		Topic: cfg.LineageTopic,
		Retry: consume.RetryOptions{
			MaxAttempts:     cfg.RetryMaxRetries,
			InitialInterval: cfg.RetryInitialInterval,
			MaxInterval:     cfg.RetryMaxInterval,
			AttemptTimeout:  cfg.MarquezTimeout,
		},
	})
	if err != nil {
		return err
	}

	if cfg.MetricsEnabled {
		go serveMetrics(cfg.MetricsPort, logger)
	}

	return consumer.Run(ctx)
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
