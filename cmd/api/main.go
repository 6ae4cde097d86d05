package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/example/parking-es/internal/api"
	"github.com/example/parking-es/internal/auth"
	"github.com/example/parking-es/internal/bootstrap"
	"github.com/example/parking-es/internal/config"
	"github.com/example/parking-es/internal/logger"
	"github.com/example/parking-es/internal/metrics"
	"github.com/example/parking-es/internal/query"
	"github.com/example/parking-es/internal/tracing"
)

const minJWTSecretLength = 32

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled or the server fails. Every resource it
// opens is released before it returns.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Auth.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters long", minJWTSecretLength)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Sync()
	log = log.With("service", "api")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
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

	stores, err := bootstrap.OpenStores(ctx, cfg, closer)
	if err != nil {
		return fmt.Errorf("event store %s unavailable: %w", cfg.Store.Driver, err)
	}
	log.Info("event store ready", "driver", cfg.Store.Driver)

	publisher, memBus, err := bootstrap.OpenPublisher(cfg, closer)
	if err != nil {
		return fmt.Errorf("broker %s unavailable: %w", cfg.Broker.Driver, err)
	}
	log.Info("broker ready", "driver", cfg.Broker.Driver)

	readStore, err := bootstrap.OpenReadModel(cfg, closer)
	if err != nil {
		return fmt.Errorf("read model unavailable: %w", err)
	}

	services, err := bootstrap.NewServices(cfg, stores, publisher, m, log)
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	// A memory broker only reaches subscribers in this process, so the
	// projections run here.
	if memBus != nil {
		sub, dlq, err := bootstrap.OpenSubscriber(cfg, memBus, bootstrap.ConsumerName("api"), log, closer)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		consumer := bootstrap.NewProjectionConsumer(cfg, readStore, dlq, m, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx, sub); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("in-process projection stopped", "error", err)
			}
		}()
		log.Info("in-process projection started")
	}

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.AccessExpiry, cfg.Auth.RefreshExpiry)
	queryHandler := query.NewHandler(readStore)

	router := api.NewRouter(api.RouterDeps{
		Handlers:     api.NewHandlers(services.Reservations, services.Slots, services.Users, queryHandler),
		AuthHandlers: api.NewAuthHandlers(services.Users, jwtService, queryHandler),
		JWT:          jwtService,
		Metrics:      m.Handler(),
		Log:          log,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server started", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	cancel()
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown failed", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", "error", err)
	}
	return runErr
}
