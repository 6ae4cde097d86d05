package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/example/parking-es/internal/bootstrap"
	"github.com/example/parking-es/internal/config"
	"github.com/example/parking-es/internal/logger"
	"github.com/example/parking-es/internal/metrics"
	"github.com/example/parking-es/internal/tracing"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "notifier:", err)
		os.Exit(1)
	}
}

// run consumes until ctx is cancelled. Every resource it opens is released
// before it returns.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Own group so every event reaches the notifier as well as the projector.
	cfg.Broker.ConsumerGroup = cfg.Notifier.ConsumerGroup
	if cfg.Broker.Driver == config.BrokerMemory {
		return errors.New("the memory broker cannot feed a separate notifier process")
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	log = log.With("service", "notifier", "group", cfg.Broker.ConsumerGroup)

	shutdownTracing, err := tracing.Setup(ctx, cfg.ServiceName+"-notifier", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}

	closer := &bootstrap.Closer{}
	defer func() {
		if err := closer.Close(); err != nil {
			log.Warn("shutdown cleanup failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	readStore, err := bootstrap.OpenReadModel(cfg, closer)
	if err != nil {
		return fmt.Errorf("read model unavailable: %w", err)
	}

	sub, dlq, err := bootstrap.OpenSubscriber(cfg, nil, bootstrap.ConsumerName("notifier"), log, closer)
	if err != nil {
		return fmt.Errorf("subscribe on %s: %w", cfg.Broker.Driver, err)
	}
	consumer := bootstrap.NewNotificationConsumer(cfg, readStore, dlq, m, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	log.Info("notifier started", "broker", cfg.Broker.Driver, "smtp_host", cfg.Notifier.SMTPHost)
	var runErr error
	if err := consumer.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
		runErr = fmt.Errorf("consumer stopped: %w", err)
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", "error", err)
	}
	return runErr
}
