package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/marketgrid/policy-engine/internal/di"
	"github.com/marketgrid/policy-engine/internal/handlers"
	"github.com/marketgrid/policy-engine/internal/payments"
	"github.com/marketgrid/policy-engine/internal/platform/auth"
	"github.com/marketgrid/policy-engine/internal/platform/config"
	pfirestore "github.com/marketgrid/policy-engine/internal/platform/firestore"
	"github.com/marketgrid/policy-engine/internal/platform/idempotency"
	"github.com/marketgrid/policy-engine/internal/platform/jobs"
	"github.com/marketgrid/policy-engine/internal/platform/observability"
	"github.com/marketgrid/policy-engine/internal/platform/secrets"
	platformstorage "github.com/marketgrid/policy-engine/internal/platform/storage"
	firestoreRepo "github.com/marketgrid/policy-engine/internal/repositories/firestore"
	"github.com/marketgrid/policy-engine/internal/services"
)

const (
	carrierCallerName   = "carrier"
	schedulerCallerName = "scheduler"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("policy-engine")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := secrets.NewFetcher(ctx,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(envValues["ENGINE_FIRESTORE_PROJECT_ID"]),
	)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}

	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		logger.Fatal("failed to initialise pubsub client", zap.Error(err))
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}()

	eventTopic := pubsubClient.Topic(cfg.PubSub.EventTopic)
	notificationTopic := pubsubClient.Topic(cfg.PubSub.NotificationTopic)
	defer eventTopic.Stop()
	defer notificationTopic.Stop()

	eventPublisher, err := jobs.NewPubSubEventPublisher(eventTopic)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	notificationSink, err := jobs.NewPubSubNotificationSink(notificationTopic)
	if err != nil {
		logger.Fatal("failed to initialise notification sink", zap.Error(err))
	}

	var instruments services.InstrumentChecker
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		checker, err := payments.NewStripeInstrumentChecker(payments.StripeInstrumentCheckerConfig{
			APIKey: cfg.Stripe.APIKey,
		})
		if err != nil {
			logger.Fatal("failed to initialise stripe instrument checker", zap.Error(err))
		}
		instruments = checker
	} else {
		logger.Warn("stripe api key not configured; refunds always target the original instrument")
	}

	evidenceStore := buildEvidenceStore(logger, cfg)

	container, err := di.NewContainer(ctx, cfg, registry, di.Dependencies{
		Instruments:   instruments,
		Events:        eventPublisher,
		Notifications: notificationSink,
		Logger:        logger.Named("services"),
	})
	if err != nil {
		logger.Fatal("failed to build service container", zap.Error(err))
	}

	itemHandlers, err := handlers.NewItemHandlers(container.Services.Lifecycle)
	if err != nil {
		logger.Fatal("failed to build item handlers", zap.Error(err))
	}
	returnHandlers, err := handlers.NewReturnHandlers(container.Services.Lifecycle, evidenceStore)
	if err != nil {
		logger.Fatal("failed to build return handlers", zap.Error(err))
	}
	shippingHandlers, err := handlers.NewShippingHandlers(container.Services.Shipping)
	if err != nil {
		logger.Fatal("failed to build shipping handlers", zap.Error(err))
	}
	webhookHandlers, err := handlers.NewWebhookHandlers(container.Services.Lifecycle)
	if err != nil {
		logger.Fatal("failed to build webhook handlers", zap.Error(err))
	}
	internalHandlers, err := handlers.NewInternalHandlers(container.Services.Lifecycle, container.Services.Deadlines)
	if err != nil {
		logger.Fatal("failed to build internal handlers", zap.Error(err))
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthRepository(registry.Health()),
		handlers.WithHealthBuildInfo(handlers.BuildInfo{
			Version:     envValues["ENGINE_BUILD_VERSION"],
			CommitSHA:   envValues["ENGINE_BUILD_COMMIT"],
			Environment: cfg.Environment,
			StartedAt:   startedAt,
		}),
	)

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	hmacValidator := auth.NewHMACValidator(
		auth.StaticSecretProvider(cfg.Security.HMAC.Secrets),
		auth.NewInMemoryNonceStore(),
		auth.WithHMACLogger(logger.Named("auth")),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACClockSkew(cfg.Security.HMAC.ClockSkew),
		auth.WithHMACNonceTTL(cfg.Security.HMAC.NonceTTL),
	)

	router := handlers.NewRouter(
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger),
			observability.TraceMiddleware(cfg.Firestore.ProjectID),
			observability.RequestLoggerMiddleware(cfg.Firestore.ProjectID),
			observability.RecoveryMiddleware(logger),
			idempotencyMiddleware,
		),
		handlers.WithItemRoutes(itemHandlers.Routes),
		handlers.WithReturnRoutes(returnHandlers.Routes),
		handlers.WithShippingRoutes(shippingHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
		handlers.WithWebhookMiddlewares(hmacValidator.RequireCaller(carrierCallerName)),
		handlers.WithInternalRoutes(internalHandlers.Routes),
		handlers.WithInternalMiddlewares(hmacValidator.RequireCaller(schedulerCallerName)),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	var sweepWG sync.WaitGroup
	if cfg.Sweep.Enabled {
		sweepWG.Add(1)
		go func() {
			defer sweepWG.Done()
			runSweepLoop(sweepCtx, logger.Named("sweeper"), container.Services.Deadlines, cfg.Sweep.Interval)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening",
			zap.String("port", cfg.Server.Port),
			zap.String("environment", cfg.Environment),
			zap.Bool("sweep_enabled", cfg.Sweep.Enabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("http server error", zap.Error(err))
	case sig := <-stop:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	stopSweep()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildEvidenceStore wires the signed-URL store for inspection photos. Both
// the bucket and the signer key are optional; without them the evidence:sign
// endpoint reports unavailable.
func buildEvidenceStore(logger *zap.Logger, cfg config.Config) *platformstorage.EvidenceStore {
	bucket := strings.TrimSpace(cfg.Storage.EvidenceBucket)
	signerKey := strings.TrimSpace(cfg.Storage.SignerKey)
	if bucket == "" || signerKey == "" {
		logger.Warn("evidence storage not configured; evidence uploads disabled")
		return nil
	}

	signer, err := platformstorage.NewServiceAccountSignerFromJSON([]byte(signerKey))
	if err != nil {
		logger.Fatal("failed to parse storage signer key", zap.Error(err))
	}
	store, err := platformstorage.NewEvidenceStore(bucket, signer,
		platformstorage.WithUploadTTL(cfg.Storage.SignedURLTTL),
	)
	if err != nil {
		logger.Fatal("failed to initialise evidence store", zap.Error(err))
	}
	return store
}

// runSweepLoop triggers a deadline sweep on a fixed cadence until the context
// is cancelled. Deployments that prefer an external scheduler hit the
// internal sweep endpoint instead and leave this disabled.
func runSweepLoop(ctx context.Context, logger *zap.Logger, deadlines services.DeadlineService, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, interval)
			result, err := deadlines.Sweep(runCtx, time.Now().UTC())
			cancel()
			if err != nil {
				logger.Error("deadline sweep failed", zap.Error(err))
				continue
			}
			if result.Due > 0 {
				logger.Info("deadline sweep completed",
					zap.Int("due", result.Due),
					zap.Int("fired", result.Fired),
					zap.Int("skipped", result.Skipped),
					zap.Int("failed", result.Failed),
				)
			}
		}
	}
}
