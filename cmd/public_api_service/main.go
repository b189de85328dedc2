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

	billingapp "github.com/aradsms/sms_dispatch/internal/billing_service/app"
	billingrepo "github.com/aradsms/sms_dispatch/internal/billing_service/repository"
	billingmem "github.com/aradsms/sms_dispatch/internal/billing_service/repository/memory"
	billingpg "github.com/aradsms/sms_dispatch/internal/billing_service/repository/postgres"
	"github.com/aradsms/sms_dispatch/internal/core_sms/phonenumber"
	dlrapp "github.com/aradsms/sms_dispatch/internal/delivery_retrieval_service/app"
	dlrdomain "github.com/aradsms/sms_dispatch/internal/delivery_retrieval_service/domain"
	dlrpg "github.com/aradsms/sms_dispatch/internal/delivery_retrieval_service/repository/postgres"
	"github.com/aradsms/sms_dispatch/internal/platform/cache"
	"github.com/aradsms/sms_dispatch/internal/platform/config"
	"github.com/aradsms/sms_dispatch/internal/platform/database"
	"github.com/aradsms/sms_dispatch/internal/platform/logger"
	"github.com/aradsms/sms_dispatch/internal/platform/messagebroker"
	"github.com/aradsms/sms_dispatch/internal/public_api_service/middleware"
	httptransport "github.com/aradsms/sms_dispatch/internal/public_api_service/transport/http"
	senderapp "github.com/aradsms/sms_dispatch/internal/senderid_service/app"
	senderdomain "github.com/aradsms/sms_dispatch/internal/senderid_service/domain"
	sendermem "github.com/aradsms/sms_dispatch/internal/senderid_service/repository/memory"
	senderpg "github.com/aradsms/sms_dispatch/internal/senderid_service/repository/postgres"
	smsapp "github.com/aradsms/sms_dispatch/internal/sms_sending_service/app"
	"github.com/aradsms/sms_dispatch/internal/sms_sending_service/provider"
	smsrepo "github.com/aradsms/sms_dispatch/internal/sms_sending_service/repository"
	smsmem "github.com/aradsms/sms_dispatch/internal/sms_sending_service/repository/memory"
	smspg "github.com/aradsms/sms_dispatch/internal/sms_sending_service/repository/postgres"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "public_api_service"
	shutdownTimeout = 30 * time.Second
)

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(serviceName, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, appLogger); err != nil {
		appLogger.Error("Public API service stopped with error", "error", err)
		os.Exit(1)
	}
	appLogger.Info("Public API service shut down.")
}

type stores struct {
	messages smsrepo.MessageRepository
	receipts dlrdomain.MessageStore
	ledger   billingrepo.LedgerRepository
	senders  senderdomain.SenderIdentityRepository
	inMemory bool
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	switch strings.ToLower(cfg.StorageDriver) {
	case "memory":
		log.Warn("Using in-memory storage; state is lost on restart")
		mem := smsmem.NewMessageRepository()
		return &stores{
			messages: mem,
			receipts: mem,
			ledger:   billingmem.NewLedgerRepository(),
			senders:  sendermem.NewSenderIdentityRepository(),
			inMemory: true,
			close:    func() {},
		}, nil
	case "postgres", "":
		pool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		log.Info("Connected to PostgreSQL")
		return &stores{
			messages: smspg.NewPgMessageRepository(pool, log),
			receipts: dlrpg.NewPgMessageStore(pool, log),
			ledger:   billingpg.NewPgLedgerRepository(pool, log),
			senders:  senderpg.NewPgSenderIdentityRepository(pool, log),
			close:    pool.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

// idempotencyStore prefers redis so keys hold across replicas.
func idempotencyStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (smsapp.IdempotencyStore, func()) {
	if cfg.RedisAddr == "" {
		return smsapp.NewMemoryIdempotencyStore(cfg.IdempotencyWindow), func() {}
	}
	c := cache.NewCache(cfg.RedisAddr, cfg.RedisPassword)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		log.Warn("Redis unavailable, idempotency keys are process-local", "error", err, "addr", cfg.RedisAddr)
		_ = c.Close()
		return smsapp.NewMemoryIdempotencyStore(cfg.IdempotencyWindow), func() {}
	}
	return smsapp.NewRedisIdempotencyStore(c, cfg.IdempotencyWindow), func() { _ = c.Close() }
}

func gatewayConfig(cfg *config.Config) provider.BeemConfig {
	retry := provider.DefaultRetryPolicy()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = cfg.RetryInitialBackoff
	retry.MaxBackoff = cfg.RetryMaxBackoff
	return provider.BeemConfig{
		BaseURL:       cfg.BeemBaseURL,
		DLRURL:        cfg.BeemDLRURL,
		APIKey:        cfg.BeemAPIKey,
		SecretKey:     cfg.BeemSecretKey,
		Timeout:       cfg.GatewayTimeout,
		MaxRecipients: cfg.GatewayMaxRecipients,
		RatePerSecond: cfg.GatewayRatePerSecond,
		Retry:         retry,
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	log.Info("Public API service starting...", "port", cfg.HTTPPort, "storage", cfg.StorageDriver, "gateway", cfg.GatewayDriver)

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	idem, closeIdem := idempotencyStore(ctx, cfg, log)
	defer closeIdem()

	// Status events are best effort; the API works without a broker.
	var publisher messagebroker.Publisher
	if natsClient, err := messagebroker.NewNatsClient(cfg.NATSUrl, serviceName, log); err != nil {
		log.Warn("NATS unavailable, status events disabled", "error", err)
	} else {
		defer natsClient.Close()
		publisher = natsClient
	}

	normalizer, err := phonenumber.NewNormalizer(cfg.PhoneRegions)
	if err != nil {
		return err
	}
	gateway, err := provider.New(cfg.GatewayDriver, gatewayConfig(cfg), log)
	if err != nil {
		return err
	}

	ledger := billingapp.NewCreditLedger(st.ledger, log)
	registry := senderapp.NewRegistry(st.senders, cfg.SystemSenderLabel, log)
	engine := smsapp.NewDispatchEngine(normalizer, registry, ledger, gateway, st.messages, idem, publisher, smsapp.EngineConfig{
		CreditsPerSegment: cfg.CreditsPerSegment,
		MaxSegments:       cfg.MaxSegments,
		Concurrency:       cfg.DispatchConcurrency,
		IdempotencyWindow: cfg.IdempotencyWindow,
	}, log)
	reconciler := dlrapp.NewReconciler(st.receipts, gateway, publisher, dlrapp.ReconcilerConfig{
		PollThreshold: cfg.PollThreshold,
		PollMaxAge:    cfg.PollMaxAge,
		PollBatchSize: cfg.PollBatchSize,
	}, log)

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Verifier:       middleware.NewTokenVerifier(cfg.JWTSecret),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Messages:       httptransport.NewMessageHandler(engine, log),
		SenderIDs:      httptransport.NewSenderIDHandler(registry, log),
		Credits:        httptransport.NewCreditHandler(ledger, log),
		Webhooks:       httptransport.NewWebhookHandler(reconciler, gateway.Name(), log),
	}, log)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(fmt.Sprintf("Public API server listening on port %d", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutdown signal received, shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if st.inMemory {
		// The retrieval binary cannot see this process's memory, so poll here.
		scheduler, err := dlrapp.NewPollScheduler(reconciler, cfg.PollSchedule, cfg.PollThreshold, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return scheduler.Run(gctx) })
	}
	return g.Wait()
}
