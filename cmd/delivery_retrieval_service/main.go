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

	"github.com/aradsms/sms_dispatch/internal/delivery_retrieval_service/app"
	"github.com/aradsms/sms_dispatch/internal/delivery_retrieval_service/repository/postgres"
	"github.com/aradsms/sms_dispatch/internal/platform/config"
	"github.com/aradsms/sms_dispatch/internal/platform/database"
	"github.com/aradsms/sms_dispatch/internal/platform/logger"
	"github.com/aradsms/sms_dispatch/internal/platform/messagebroker"
	"github.com/aradsms/sms_dispatch/internal/sms_sending_service/provider"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "delivery_retrieval_service"
	shutdownTimeout = 10 * time.Second
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}
	log := logger.New(serviceName, cfg.LogLevel)
	log.Info("Starting service...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("Service shut down gracefully.")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if !strings.EqualFold(cfg.StorageDriver, "postgres") && cfg.StorageDriver != "" {
		// With memory storage the public API process runs the poller itself.
		return fmt.Errorf("storage driver %q is not supported by %s", cfg.StorageDriver, serviceName)
	}

	dbPool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer dbPool.Close()
	log.Info("Database connection pool initialized")

	natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	log.Info("NATS connection initialized")

	retry := provider.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoff
	retry.MaxBackoff = cfg.RetryMaxBackoff
	gateway, err := provider.New(cfg.GatewayDriver, provider.BeemConfig{
		BaseURL:       cfg.BeemBaseURL,
		DLRURL:        cfg.BeemDLRURL,
		APIKey:        cfg.BeemAPIKey,
		SecretKey:     cfg.BeemSecretKey,
		Timeout:       cfg.GatewayTimeout,
		MaxRecipients: cfg.GatewayMaxRecipients,
		RatePerSecond: cfg.GatewayRatePerSecond,
		Retry:         retry,
	}, log)
	if err != nil {
		return err
	}

	store := postgres.NewPgMessageStore(dbPool, log)
	reconciler := app.NewReconciler(store, gateway, natsClient, app.ReconcilerConfig{
		PollThreshold: cfg.PollThreshold,
		PollMaxAge:    cfg.PollMaxAge,
		PollBatchSize: cfg.PollBatchSize,
	}, log)
	scheduler, err := app.NewPollScheduler(reconciler, cfg.PollSchedule, cfg.PollThreshold, log)
	if err != nil {
		return err
	}
	consumer := app.NewDLRConsumer(natsClient, reconciler, gateway.Name(), log)
	if err := consumer.Start(ctx, cfg.DLRSubject, cfg.DLRQueueGroup); err != nil {
		return err
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	log.Info("Service components initialized and workers started. Service is ready.")
	return g.Wait()
}
