package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	identityapp "github.com/meterd/backend/internal/application/identity"
	meteringapp "github.com/meterd/backend/internal/application/metering"
	"github.com/meterd/backend/internal/domain/metering"
	"github.com/meterd/backend/internal/domain/shared"
	"github.com/meterd/backend/internal/infrastructure/billing"
	"github.com/meterd/backend/internal/infrastructure/cache"
	"github.com/meterd/backend/internal/infrastructure/config"
	"github.com/meterd/backend/internal/infrastructure/logger"
	"github.com/meterd/backend/internal/infrastructure/persistence"
	"github.com/meterd/backend/internal/infrastructure/scheduler"
	"github.com/meterd/backend/internal/infrastructure/telemetry"
	"github.com/meterd/backend/internal/interfaces/http/handler"
	"github.com/meterd/backend/internal/interfaces/http/middleware"
	"github.com/meterd/backend/internal/interfaces/http/router"
)

//	@title			Meterd API
//	@version		1.0
//	@description	Usage metering and billing reconciliation API. Records per-tenant usage events with costs frozen at write time, maintains monthly summaries, and pushes the ledger to the billing provider in the background.

//	@contact.name	API Support
//	@contact.url	https://github.com/meterd/backend

//	@host		localhost:8080
//	@BasePath	/api/v1

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting Meterd Backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Initialize OpenTelemetry providers
	var tracerProvider *telemetry.TracerProvider
	var meterProvider *telemetry.MeterProvider
	if cfg.Telemetry.Enabled {
		tracerProvider, err = telemetry.NewTracerProvider(context.Background(), telemetry.Config{
			Enabled:           cfg.Telemetry.Enabled,
			CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
			SamplingRatio:     cfg.Telemetry.SamplingRatio,
			ServiceName:       cfg.Telemetry.ServiceName,
			Insecure:          cfg.Telemetry.Insecure,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize tracer provider", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
				log.Error("Error shutting down tracer provider", zap.Error(err))
			}
		}()

		meterProvider, err = telemetry.NewMeterProvider(context.Background(), telemetry.MetricsConfig{
			Enabled:           cfg.Telemetry.Enabled,
			CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
			ServiceName:       cfg.Telemetry.ServiceName,
			Insecure:          cfg.Telemetry.Insecure,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize meter provider", zap.Error(err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := meterProvider.Shutdown(shutdownCtx); err != nil {
				log.Error("Error shutting down meter provider", zap.Error(err))
			}
		}()
		log.Info("Telemetry enabled",
			zap.String("collector", cfg.Telemetry.CollectorEndpoint),
			zap.Float64("sampling_ratio", cfg.Telemetry.SamplingRatio),
		)
	}

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Register database tracing when telemetry is on
	if cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled {
		dbTracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
			Enabled:          true,
			LogFullSQL:       cfg.Telemetry.DBLogFullSQL,
			SlowQueryThresh:  cfg.Telemetry.DBSlowQueryThresh,
			DBSystem:         "postgresql",
			WithoutVariables: !cfg.Telemetry.DBLogFullSQL,
		}, log)
		if err := dbTracing.RegisterOtelGorm(db.DB); err != nil {
			log.Warn("Failed to register database tracing", zap.Error(err))
		}
	}

	// Register database query and pool metrics alongside tracing
	if meterProvider != nil {
		dbMetrics, err := telemetry.RegisterDBMetrics(db.DB, meterProvider, telemetry.DefaultDBMetricsConfig(), log)
		if err != nil {
			log.Warn("Failed to register database metrics", zap.Error(err))
		} else if dbMetrics != nil {
			dbMetrics.StartPoolStatsCollection(context.Background())
			defer dbMetrics.Stop()
		}
	}

	// Initialize repositories
	usageEventRepo := persistence.NewGormUsageEventRepository(db.DB)
	summaryRepo := persistence.NewGormMonthlySummaryRepository(db.DB)
	tenantRepo := persistence.NewGormTenantRepository(db.DB)
	ledger := persistence.NewGormLedger(db.DB)

	// Caches: Redis when configured, in-memory otherwise. A broken cache
	// degrades to direct reads; ingestion never depends on it.
	cacheFactory := cache.NewFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(!cfg.Cache.UseRedis),
		cache.WithSummaryTTL(cfg.Cache.SummaryTTL),
	)
	idempotencyStore, err := cacheFactory.CreateIdempotencyStore()
	if err != nil {
		log.Fatal("Failed to create idempotency store", zap.Error(err))
	}
	defer func() {
		if err := idempotencyStore.Close(); err != nil {
			log.Error("Error closing idempotency store", zap.Error(err))
		}
	}()
	summaryCache, err := cacheFactory.CreateSummaryCache()
	if err != nil {
		log.Fatal("Failed to create summary cache", zap.Error(err))
	}

	// Select the billing provider adapter
	var provider billing.Provider
	switch cfg.Billing.Provider {
	case "stripe":
		stripeAdapter, err := billing.NewStripeAdapter(&billing.StripeConfig{
			SecretKey:              cfg.Billing.APIKey,
			IsTestMode:             strings.HasPrefix(cfg.Billing.APIKey, "sk_test_"),
			SubscriptionItemPrefix: cfg.Billing.SubscriptionItemPrefix,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize Stripe adapter", zap.Error(err))
		}
		provider = stripeAdapter
		log.Info("Billing provider: stripe")
	default:
		provider = billing.NewNoopProvider()
		log.Info("Billing provider: noop (usage is acknowledged locally, nothing leaves the process)")
	}

	// Metering metrics: usage counters plus a backlog gauge collected
	// periodically from the event store
	var meteringMetrics *telemetry.MeteringMetrics
	if meterProvider != nil {
		meteringMetrics, err = telemetry.NewMeteringMetrics(telemetry.MeteringMetricsConfig{
			Meter:         meterProvider.Meter("meterd.metering"),
			Logger:        log,
			StatsProvider: &ledgerStatsAdapter{events: usageEventRepo},
		})
		if err != nil {
			log.Warn("Failed to initialize metering metrics", zap.Error(err))
		} else {
			meteringMetrics.StartPeriodicCollection(context.Background(), time.Minute)
			defer meteringMetrics.Stop()
		}
	}
	var usageMetrics meteringapp.UsageMetrics
	var syncMetrics meteringapp.SyncMetrics
	if meteringMetrics != nil {
		usageMetrics = meteringMetrics
		syncMetrics = &syncMetricsAdapter{metrics: meteringMetrics}
	}

	// Initialize application services
	pricing := metering.DefaultPricingTable()
	ledgerService := meteringapp.NewLedgerService(ledger, tenantRepo, pricing, summaryCache, usageMetrics, log)
	summaryService := meteringapp.NewSummaryService(summaryRepo, tenantRepo, pricing, summaryCache, log)
	tenantService := identityapp.NewTenantService(tenantRepo, log)
	reconcileService := meteringapp.NewReconcileService(usageEventRepo, tenantRepo, provider, syncMetrics, log, meteringapp.ReconcileConfig{
		BatchSize:       cfg.Reconciler.BatchSize,
		Workers:         cfg.Reconciler.Workers,
		MaxAttempts:     cfg.Reconciler.MaxAttempts,
		BackoffBase:     cfg.Reconciler.BackoffBase,
		BackoffMax:      cfg.Reconciler.BackoffMax,
		LeaseDuration:   cfg.Reconciler.LeaseDuration,
		ProviderTimeout: cfg.Billing.RequestTimeout,
	})

	// Start the background reconciliation loop
	var syncTrigger handler.SyncTrigger
	if cfg.Reconciler.Enabled {
		reconciler := scheduler.NewReconciler(reconcileService, log, scheduler.ReconcilerConfig{
			Enabled:      cfg.Reconciler.Enabled,
			PollInterval: cfg.Reconciler.PollInterval,
			PassTimeout:  5 * time.Minute,
		})
		if err := reconciler.Start(context.Background()); err != nil {
			log.Fatal("Failed to start billing reconciler", zap.Error(err))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := reconciler.Stop(stopCtx); err != nil {
				log.Error("Error stopping billing reconciler", zap.Error(err))
			}
		}()
		syncTrigger = reconciler
		log.Info("Billing reconciler started",
			zap.Duration("poll_interval", cfg.Reconciler.PollInterval),
			zap.Int("workers", cfg.Reconciler.Workers),
			zap.Int("batch_size", cfg.Reconciler.BatchSize),
		)
	} else {
		log.Info("Billing reconciler disabled; events stay pending until triggered manually")
	}

	// Initialize HTTP handlers
	usageHandler := handler.NewUsageHandler(ledgerService, summaryService, idempotencyStore,
		shared.DefaultIdempotencyConfig(), log)
	tenantHandler := handler.NewTenantHandler(tenantService)
	reconcilerHandler := handler.NewReconcilerHandler(reconcileService, syncTrigger)
	systemHandler := handler.NewSystemHandler()

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup validation
	middleware.SetupValidator()

	// Initialize router with custom middleware
	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Apply middleware stack in order:
	// 1. RequestID - Generate/propagate request ID
	// 2. Recovery - Catch panics
	// 3. Logger - Log requests
	// 4. Security - Add security headers
	// 5. Tracing/Metrics - Observe requests (when telemetry is on)
	// 6. CORS - Handle cross-origin requests
	// 7. BodyLimit - Limit request body size
	// 8. RateLimit - Apply rate limiting (if enabled)
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())

	if cfg.Telemetry.Enabled {
		engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     true,
		}))
		if meterProvider != nil {
			engine.Use(middleware.HTTPMetricsWithMeter(meterProvider.Meter("meterd.http"), true))
		}
	}

	// Configure CORS from config
	corsConfig := middleware.CORSConfig{
		AllowOrigins:     cfg.HTTP.CORSAllowOrigins,
		AllowMethods:     cfg.HTTP.CORSAllowMethods,
		AllowHeaders:     cfg.HTTP.CORSAllowHeaders,
		ExposeHeaders:    []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	engine.Use(middleware.CORSWithConfig(corsConfig))

	// Body size limit
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	// Rate limiting (if enabled)
	if cfg.HTTP.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		engine.Use(middleware.RateLimit(rateLimiter))
		log.Info("Rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	// Health check endpoint (outside API versioning)
	engine.GET("/health", healthHandler(db, log))

	// Setup API routes using router
	r := router.NewRouter(engine, router.WithAPIVersion("v1"))

	r.Register(usageHandler).
		Register(tenantHandler).
		Register(reconcilerHandler)

	systemRoutes := router.NewDomainGroup("system", "/system")
	systemRoutes.GET("/info", systemHandler.GetSystemInfo)
	systemRoutes.GET("/ping", systemHandler.Ping)
	r.Register(systemRoutes)

	r.Setup()

	// Also keep a simple ping at root API level for basic health checks
	engine.GET("/api/v1/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// ledgerStatsAdapter exposes ledger sync state counts to the telemetry layer
type ledgerStatsAdapter struct {
	events metering.UsageEventRepository
}

func (a *ledgerStatsAdapter) CountBySyncState(ctx context.Context) (map[string]int64, error) {
	counts, err := a.events.CountBySyncState(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(counts))
	for state, count := range counts {
		out[string(state)] = count
	}
	return out, nil
}

// syncMetricsAdapter maps the reconciler's outcome labels onto the telemetry
// counter's typed outcomes
type syncMetricsAdapter struct {
	metrics *telemetry.MeteringMetrics
}

func (a *syncMetricsAdapter) RecordSyncAttempt(ctx context.Context, outcome string) {
	a.metrics.RecordSyncAttempt(ctx, telemetry.SyncOutcome(outcome))
}

// healthHandler returns a handler for health check endpoints
func healthHandler(db *persistence.Database, _ *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
