package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	integrationapp "github.com/erp/marketsync/internal/application/integration"
	"github.com/erp/marketsync/internal/infrastructure/auth"
	"github.com/erp/marketsync/internal/infrastructure/cache"
	"github.com/erp/marketsync/internal/infrastructure/config"
	"github.com/erp/marketsync/internal/infrastructure/ecommerce"
	"github.com/erp/marketsync/internal/infrastructure/logger"
	"github.com/erp/marketsync/internal/infrastructure/persistence"
	"github.com/erp/marketsync/internal/infrastructure/scheduler"
	"github.com/erp/marketsync/internal/infrastructure/telemetry"
	"github.com/erp/marketsync/internal/interfaces/http/handler"
	"github.com/erp/marketsync/internal/interfaces/http/middleware"
	"github.com/erp/marketsync/internal/interfaces/http/router"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: logger.DefaultTimeFormat,
		Service:    cfg.App.Name,
		Env:        cfg.App.Env,
		Sampling:   cfg.App.Env == "production",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting marketsync",
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	ctx := context.Background()

	// Telemetry
	telemetryConfig := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		Insecure:          cfg.Telemetry.Insecure,
		ServiceName:       cfg.Telemetry.ServiceName,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
	}
	telemetry.ServiceVersion = version
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetryConfig, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetryConfig, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telemetryConfig, log)
	if err != nil {
		log.Fatal("Failed to initialize logger provider", zap.Error(err))
	}
	logLevel, _ := logger.ParseLevel(cfg.Log.Level)
	log = loggerProvider.Bridge(log, logLevel)
	syncMetrics, err := telemetry.NewSyncMetrics(telemetry.SyncMetricsConfig{
		Meter:  meterProvider.Meter(cfg.Telemetry.ServiceName),
		Logger: log,
	})
	if err != nil {
		log.Fatal("Failed to create sync metrics", zap.Error(err))
	}

	// Database
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabase(ctx, &cfg.Database, persistence.WithGormLogger(gormLog))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	dbTracing := telemetry.DefaultDBTracingConfig()
	dbTracing.Enabled = cfg.Telemetry.Enabled
	dbInstrumentation, err := telemetry.NewDBInstrumentation(dbTracing, log,
		telemetry.WithQueryMetrics(meterProvider.Meter("database")))
	if err != nil {
		log.Fatal("Failed to create database instrumentation", zap.Error(err))
	}
	if err := db.DB.Use(dbInstrumentation); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}
	log.Info("Database connected successfully")

	// Runtime stores: dedup window and exclusive run leases
	stores, err := cache.NewStoreFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithDedupTTL(cfg.Sync.DedupTTL),
	).CreateStores(ctx)
	if err != nil {
		log.Fatal("Failed to create runtime stores", zap.Error(err))
	}
	defer func() {
		_ = stores.Close()
	}()

	// Repositories
	encryptionKey, err := cfg.Credentials.Key()
	if err != nil {
		log.Fatal("Invalid credentials encryption key", zap.Error(err))
	}
	secretBox, err := persistence.NewSecretBox(encryptionKey)
	if err != nil {
		log.Fatal("Failed to create credential cipher", zap.Error(err))
	}
	connectionRepo := persistence.NewGormConnectionRepository(db.DB)
	credentialRepo := persistence.NewGormCredentialRepository(db.DB, secretBox)
	jobQueue := persistence.NewGormJobQueue(db.DB)
	ledger := persistence.NewGormSyncLedger(db.DB)
	mappingRepo := persistence.NewGormProductMappingRepository(db.DB)
	catalogRepo := persistence.NewGormCatalogRepository(db.DB)
	orderSink := persistence.NewGormOrderSink(db.DB)

	credentials := integrationapp.NewCredentialStore(credentialRepo, connectionRepo, log)
	if err := credentials.Load(ctx); err != nil {
		log.Fatal("Failed to load credentials", zap.Error(err))
	}

	// Connectors
	transport, err := ecommerce.NewTransport(
		ecommerce.TransportConfigFrom(cfg.Sync),
		ecommerce.NewLimiterRegistry(),
		log,
		ecommerce.WithObserver(syncMetrics),
	)
	if err != nil {
		log.Fatal("Failed to create connector transport", zap.Error(err))
	}
	connectors := ecommerce.NewDefaultRegistry(transport, ecommerce.NewAuthenticator(nil))

	// Sync engine
	matcher := integrationapp.NewMatcher(mappingRepo, catalogRepo, log)
	orchestratorConfig, executorConfig := scheduler.OrchestratorConfigFrom(cfg.Sync)
	executor, err := scheduler.NewExecutor(executorConfig, scheduler.ExecutorDeps{
		Connections: connectionRepo,
		Credentials: credentials,
		Connectors:  connectors,
		Matcher:     matcher,
		Mappings:    mappingRepo,
		Catalog:     catalogRepo,
		Orders:      orderSink,
		Checkpoints: ledger,
	}, log)
	if err != nil {
		log.Fatal("Failed to create sync executor", zap.Error(err))
	}
	orchestrator, err := scheduler.NewOrchestrator(orchestratorConfig, scheduler.OrchestratorDeps{
		Queue:       jobQueue,
		Ledger:      ledger,
		Checkpoints: ledger,
		RunLock:     stores.RunLock,
		Dedup:       stores.Dedup,
		Executor:    executor,
	}, log,
		scheduler.WithRunObserver(syncMetrics),
		scheduler.WithConnectionReleaser(connectors),
	)
	if err != nil {
		log.Fatal("Failed to create sync orchestrator", zap.Error(err))
	}

	// Application services
	connectionService := integrationapp.NewConnectionService(connectionRepo, credentials, connectors, orchestrator, log)
	syncService := integrationapp.NewSyncService(connectionRepo, jobQueue, ledger, mappingRepo, matcher, orchestrator, log)
	ingestor := integrationapp.NewWebhookIngestor(connectionRepo, credentials, connectors, stores.Dedup, jobQueue, log,
		integrationapp.WithNotifier(orchestrator),
		integrationapp.WithWebhookObserver(syncMetrics),
		integrationapp.WithDedupTTL(cfg.Sync.DedupTTL),
	)

	var cronTrigger *scheduler.CronTrigger
	if cfg.Sync.Enabled {
		if err := orchestrator.Start(ctx); err != nil {
			log.Fatal("Failed to start sync orchestrator", zap.Error(err))
		}

		cronConfig, err := scheduler.CronTriggerConfigFrom(cfg.Sync)
		if err != nil {
			log.Fatal("Invalid sync schedules", zap.Error(err))
		}
		cronTrigger, err = scheduler.NewCronTrigger(cronConfig, scheduler.CronTriggerDeps{
			Connections: connectionRepo,
			Queue:       jobQueue,
			Activity:    orchestrator,
			Notifier:    orchestrator,
			Health:      connectionService,
		}, log)
		if err != nil {
			log.Fatal("Failed to create cron trigger", zap.Error(err))
		}
		if err := cronTrigger.Start(ctx); err != nil {
			log.Fatal("Failed to start cron trigger", zap.Error(err))
		}
	} else {
		log.Warn("Sync engine disabled, jobs are queued but not executed")
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	tokenValidator, err := auth.NewValidator(cfg.JWT)
	if err != nil {
		log.Fatal("Failed to create token validator", zap.Error(err))
	}

	probes := map[string]handler.Probe{
		"database": db.Ping,
	}
	if stores.Distributed {
		probes["redis"] = stores.Ping
	}

	security := middleware.DefaultSecurityConfig()
	if cfg.App.Env == "production" {
		security.HSTSMaxAge = 180 * 24 * time.Hour
	}

	engine := router.NewEngine(router.Options{
		HTTP: cfg.HTTP,
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
			SkipPaths:   middleware.ProbePaths,
		},
		Metrics: middleware.HTTPMetricsConfig{
			MeterProvider: meterProvider,
			Enabled:       cfg.Telemetry.Enabled,
			SkipPaths:     middleware.ProbePaths,
		},
		Security:  security,
		Validator: tokenValidator,
		Logger:    log,
	}, router.Handlers{
		System:      handler.NewSystemHandler(cfg.App.Name, version, probes),
		Webhooks:    handler.NewWebhookHandler(ingestor),
		Connections: handler.NewConnectionHandler(connectionService, syncService),
		SyncRuns:    handler.NewSyncRunHandler(syncService),
	})

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if cronTrigger != nil {
		if err := cronTrigger.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping cron trigger", zap.Error(err))
		}
	}
	if cfg.Sync.Enabled {
		if err := orchestrator.Stop(shutdownCtx); err != nil {
			log.Error("Error stopping sync orchestrator", zap.Error(err))
		}
	}
	if err := meterProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down meter provider", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down tracer provider", zap.Error(err))
	}
	if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down logger provider", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
