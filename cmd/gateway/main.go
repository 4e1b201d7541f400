// The gateway binary runs the ingestion HTTP service. It owns the publisher
// side of the pipeline.
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

	"github.com/lineagehub/lineagehub/internal/hub/config"
	"github.com/lineagehub/lineagehub/internal/hub/event"
	"github.com/lineagehub/lineagehub/internal/hub/gateway"
	"github.com/lineagehub/lineagehub/internal/hub/logging"
	"github.com/lineagehub/lineagehub/internal/hub/metrics"
	"github.com/lineagehub/lineagehub/internal/hub/namespace"
	"github.com/lineagehub/lineagehub/internal/hub/publish"
	"github.com/lineagehub/lineagehub/internal/hub/transport"

	_ "github.com/lineagehub/lineagehub/internal/hub/transport/aws"
	_ "github.com/lineagehub/lineagehub/internal/hub/transport/channel"
	_ "github.com/lineagehub/lineagehub/internal/hub/transport/jetstream"
	_ "github.com/lineagehub/lineagehub/internal/hub/transport/kafka"
	_ "github.com/lineagehub/lineagehub/internal/hub/transport/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gateway:", err)
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
	defer t.Publisher.Close()
	caps := transport.GetCapabilities(cfg.PubSubSystem)

	pm := metrics.NewPublisherMetrics(nil)
	if err := pm.Register(); err != nil {
		return err
	}
	gm := metrics.NewGatewayMetrics(nil)
	if err := gm.Register(); err != nil {
		return err
	}

	publisher, err := publish.New(t.Publisher, caps, logger, pm, publish.Options{
		MaxAttempts:     cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	})
	if err != nil {
		return err
	}
	defer publisher.Close()

	registry := namespace.NewRegistry(cfg.AutoCreateNamespaces, namespace.Defaults{
		DailyEventQuota: cfg.DefaultDailyQuota,
		RetentionDays:   cfg.DefaultRetentionDays,
	})
	router := namespace.NewRouter(registry, namespace.NewQuotaStore(), namespace.Topics{
		Lineage: cfg.LineageTopic,
		Spans:   cfg.SpansTopic,
		Metrics: cfg.MetricsTopic,
	})
	validator := &event.Validator{MaxEventBytes: cfg.MaxEventBytes}

	srv := gateway.New(registry, router, validator, publisher, caps, gm, logger)

	httpServer := &http.Server{
		Addr:              cfg.GatewayAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", logging.LogFields{"addr": cfg.GatewayAddr})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("gateway shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
